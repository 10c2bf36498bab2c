package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/jupyter/wire"
	"github.com/danmuck/kernelbridge/internal/testutil/testlog"
	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"
)

func listenOrSkip(t *testing.T, sock zmq4.Socket) int {
	t.Helper()
	if err := sock.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Skipf("skipping zmq test in restricted environment: %v", err)
	}
	addr, ok := sock.Addr().(*net.TCPAddr)
	if !ok {
		t.Skipf("unexpected listener address %v", sock.Addr())
	}
	return addr.Port
}

func TestZMQDialerShellRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shell := zmq4.NewRouter(ctx)
	stdin := zmq4.NewRouter(ctx)
	control := zmq4.NewRouter(ctx)
	iopub := zmq4.NewPub(ctx)
	hb := zmq4.NewRep(ctx)
	for _, s := range []zmq4.Socket{shell, stdin, control, iopub, hb} {
		defer s.Close()
	}

	info := jupyter.ConnectionInfo{
		IP:          "127.0.0.1",
		ShellPort:   listenOrSkip(t, shell),
		StdinPort:   listenOrSkip(t, stdin),
		ControlPort: listenOrSkip(t, control),
		IOPubPort:   listenOrSkip(t, iopub),
		HBPort:      listenOrSkip(t, hb),
		Key:         "secret",
	}.WithDefaults()
	signer, err := wire.SignerFor(info)
	require.NoError(t, err)

	chans, err := NewZMQDialer(DefaultConfig()).Dial(ctx, info, "session-1")
	require.NoError(t, err)
	defer chans.Close()

	req := jupyter.NewMessage(&jupyter.KernelInfoRequest{}, "session-1")
	require.NoError(t, chans.Shell.Send(ctx, req))

	raw, err := shell.Recv()
	require.NoError(t, err)
	got, ids, err := wire.Decode(raw.Frames, signer)
	require.NoError(t, err)
	require.Equal(t, "kernel_info_request", got.MsgType())
	require.Equal(t, [][]byte{[]byte("session-1")}, ids)

	reply := jupyter.NewMessage(&jupyter.KernelInfoReply{Status: "ok", ProtocolVersion: "5.3"}, "kernel")
	reply.ParentHeader = &got.Header
	frames, err := wire.Encode(reply, signer, ids...)
	require.NoError(t, err)
	require.NoError(t, shell.SendMulti(zmq4.NewMsgFrom(frames...)))

	in, err := chans.Shell.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "kernel_info_reply", in.MsgType())
	require.NotNil(t, in.ParentHeader)
	require.Equal(t, req.Header.MsgID, in.ParentHeader.MsgID)

	require.ErrorIs(t, chans.IOPub.Send(ctx, req), ErrSendUnsupported)
}

func TestZMQDialerFailsWithoutKernel(t *testing.T) {
	testlog.Start(t)
	info := jupyter.ConnectionInfo{
		IP: "127.0.0.1", ShellPort: 1, IOPubPort: 2, StdinPort: 3, ControlPort: 4, HBPort: 5,
	}
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewZMQDialer(cfg).Dial(ctx, info, "session-x")
	require.Error(t, err)
}
