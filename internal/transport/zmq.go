package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/jupyter/wire"
	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog/log"
)

// ZMQDialer connects to a kernel over zeromq sockets.
type ZMQDialer struct {
	cfg Config
}

func NewZMQDialer(cfg Config) *ZMQDialer {
	return &ZMQDialer{cfg: cfg.WithDefaults()}
}

func (d *ZMQDialer) Dial(ctx context.Context, info jupyter.ConnectionInfo, sessionID string) (*Channels, error) {
	info = info.WithDefaults()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	signer, err := wire.SignerFor(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	// sockets outlive the dial call, so they get their own lifetime
	sockCtx, cancel := context.WithCancel(context.Background())
	chans := &Channels{}
	fail := func(err error) (*Channels, error) {
		_ = chans.Close()
		cancel()
		return nil, err
	}

	identity := zmq4.WithID(zmq4.SocketIdentity(sessionID))
	timeout := zmq4.WithDialerTimeout(d.cfg.ConnectTimeout)

	for _, ch := range []jupyter.Channel{jupyter.ChannelShell, jupyter.ChannelStdin, jupyter.ChannelControl} {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		sock := zmq4.NewDealer(sockCtx, identity, timeout)
		t, err := d.open(sock, info, ch, signer)
		if err != nil {
			return fail(err)
		}
		switch ch {
		case jupyter.ChannelShell:
			chans.Shell = t
		case jupyter.ChannelStdin:
			chans.Stdin = t
		case jupyter.ChannelControl:
			chans.Control = t
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	sub := zmq4.NewSub(sockCtx, timeout)
	iopub, err := d.open(sub, info, jupyter.ChannelIOPub, signer)
	if err != nil {
		return fail(err)
	}
	chans.IOPub = iopub
	if err := sub.SetOption(zmq4.OptionSubscribe, d.cfg.IOPubTopic); err != nil {
		return fail(fmt.Errorf("%w: iopub subscribe: %v", ErrProtocol, err))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	hb := zmq4.NewReq(sockCtx, timeout)
	if err := hb.Dial(info.Endpoint(jupyter.ChannelHeartbeat)); err != nil {
		_ = hb.Close()
		return fail(fmt.Errorf("%w: dial heartbeat %s: %v", ErrProtocol, info.Endpoint(jupyter.ChannelHeartbeat), err))
	}
	chans.Heartbeat = &heldSocket{sock: hb, cancel: cancel}

	log.Debug().
		Str("component", "transport").
		Str("session_id", sessionID).
		Str("ip", info.IP).
		Str("transport", info.Transport).
		Msg("kernel channels dialed")
	return chans, nil
}

func (d *ZMQDialer) open(sock zmq4.Socket, info jupyter.ConnectionInfo, ch jupyter.Channel, signer wire.Signer) (*zmqTransport, error) {
	endpoint := info.Endpoint(ch)
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: dial %s %s: %v", ErrProtocol, ch, endpoint, err)
	}
	return &zmqTransport{channel: ch, sock: sock, signer: signer}, nil
}

// zmqTransport frames messages with wire and moves them over one zeromq socket.
type zmqTransport struct {
	channel jupyter.Channel
	sock    zmq4.Socket
	signer  wire.Signer

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *zmqTransport) Channel() jupyter.Channel {
	return t.channel
}

func (t *zmqTransport) Receive(ctx context.Context) (*jupyter.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := t.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("%w: %s recv: %v", ErrProtocol, t.channel, err)
	}
	msg, _, err := wire.Decode(raw.Frames, t.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decode: %w", ErrProtocol, t.channel, err)
	}
	return msg, nil
}

func (t *zmqTransport) Send(ctx context.Context, msg *jupyter.Message) error {
	if t.channel == jupyter.ChannelIOPub {
		return fmt.Errorf("%w: %s", ErrSendUnsupported, t.channel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frames, err := wire.Encode(msg, t.signer)
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("%w: %s send: %v", ErrProtocol, t.channel, err)
	}
	return nil
}

func (t *zmqTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.sock.Close()
	})
	return t.closeErr
}

// heldSocket keeps the heartbeat socket open for the session lifetime.
// Closing it also releases the shared socket context.
type heldSocket struct {
	sock      zmq4.Socket
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func (h *heldSocket) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.sock.Close()
		h.cancel()
	})
	return h.closeErr
}
