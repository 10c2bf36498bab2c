package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/danmuck/kernelbridge/internal/jupyter"
)

var (
	ErrProtocol        = errors.New("transport: kernel protocol error")
	ErrSendUnsupported = errors.New("transport: channel does not accept sends")
	ErrClosed          = errors.New("transport: closed")
)

// Transport is one logical kernel channel.
//
// Receive blocks until a message arrives or the transport fails. Close unblocks
// a pending Receive.
type Transport interface {
	Channel() jupyter.Channel
	Receive(ctx context.Context) (*jupyter.Message, error)
	Send(ctx context.Context, msg *jupyter.Message) error
	Close() error
}

// Channels is the full connection set of one session.
type Channels struct {
	Shell     Transport
	IOPub     Transport
	Stdin     Transport
	Control   Transport
	Heartbeat io.Closer
}

// Active returns the four readable transports in jupyter.ActiveChannels order.
func (c *Channels) Active() []Transport {
	return []Transport{c.Shell, c.IOPub, c.Stdin, c.Control}
}

// ForSend resolves the transport a host message addressed to ch goes to.
func (c *Channels) ForSend(ch jupyter.Channel) (Transport, bool) {
	switch ch {
	case jupyter.ChannelShell:
		return c.Shell, c.Shell != nil
	case jupyter.ChannelStdin:
		return c.Stdin, c.Stdin != nil
	case jupyter.ChannelControl:
		return c.Control, c.Control != nil
	default:
		return nil, false
	}
}

// Close closes every non-nil connection and returns the first error.
func (c *Channels) Close() error {
	var first error
	closers := []io.Closer{c.Heartbeat}
	for _, t := range c.Active() {
		if t != nil {
			closers = append(closers, t)
		}
	}
	for _, cl := range closers {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Dialer opens every channel of a session or none of them.
type Dialer interface {
	Dial(ctx context.Context, info jupyter.ConnectionInfo, sessionID string) (*Channels, error)
}

// Config defines socket dial defaults.
type Config struct {
	ConnectTimeout time.Duration
	// IOPubTopic is the SUB subscription prefix; empty subscribes to everything.
	IOPubTopic string
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		IOPubTopic:     "",
	}
}

func (c Config) WithDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	return c
}
