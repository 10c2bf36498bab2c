package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/kernelbridge/internal/jupyter"
)

// Mem is an in-process Transport. The kernel side is driven through Deliver,
// Fail and Sent. Useful for tests and for loopback sessions.
type Mem struct {
	channel jupyter.Channel
	inbox   chan memResult
	sent    chan *jupyter.Message

	closeOnce sync.Once
	closed    chan struct{}
}

type memResult struct {
	msg *jupyter.Message
	err error
}

func NewMem(channel jupyter.Channel, buffer int) *Mem {
	return &Mem{
		channel: channel,
		inbox:   make(chan memResult, buffer),
		sent:    make(chan *jupyter.Message, buffer),
		closed:  make(chan struct{}),
	}
}

// NewMemChannels builds a full channel set of Mem transports.
func NewMemChannels(buffer int) (*Channels, map[jupyter.Channel]*Mem) {
	mems := make(map[jupyter.Channel]*Mem, len(jupyter.ActiveChannels))
	for _, ch := range jupyter.ActiveChannels {
		mems[ch] = NewMem(ch, buffer)
	}
	return &Channels{
		Shell:     mems[jupyter.ChannelShell],
		IOPub:     mems[jupyter.ChannelIOPub],
		Stdin:     mems[jupyter.ChannelStdin],
		Control:   mems[jupyter.ChannelControl],
		Heartbeat: NewMem(jupyter.ChannelHeartbeat, 0),
	}, mems
}

func (m *Mem) Channel() jupyter.Channel {
	return m.channel
}

// Deliver queues msg as if the kernel had sent it.
func (m *Mem) Deliver(msg *jupyter.Message) {
	select {
	case m.inbox <- memResult{msg: msg}:
	case <-m.closed:
	}
}

// Fail makes the next Receive return err.
func (m *Mem) Fail(err error) {
	select {
	case m.inbox <- memResult{err: fmt.Errorf("%w: %s: %w", ErrProtocol, m.channel, err)}:
	case <-m.closed:
	}
}

// Sent yields messages passed to Send.
func (m *Mem) Sent() <-chan *jupyter.Message {
	return m.sent
}

// Done is closed once the transport is closed.
func (m *Mem) Done() <-chan struct{} {
	return m.closed
}

func (m *Mem) Receive(ctx context.Context) (*jupyter.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, fmt.Errorf("%w: %s", ErrClosed, m.channel)
	case r := <-m.inbox:
		return r.msg, r.err
	}
}

func (m *Mem) Send(ctx context.Context, msg *jupyter.Message) error {
	if !m.channel.Sendable() {
		return fmt.Errorf("%w: %s", ErrSendUnsupported, m.channel)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return fmt.Errorf("%w: %s", ErrClosed, m.channel)
	case m.sent <- msg:
		return nil
	}
}

func (m *Mem) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// MemDialer hands out prepared channel sets, or fails with Err.
type MemDialer struct {
	mu    sync.Mutex
	Err   error
	Dials int
	// Next builds the channel set for each successful dial.
	Next func() *Channels
	// Last records the most recently dialed channel set.
	Last *Channels
}

func (d *MemDialer) Dial(ctx context.Context, info jupyter.ConnectionInfo, sessionID string) (*Channels, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	var chans *Channels
	if d.Next != nil {
		chans = d.Next()
	} else {
		chans, _ = NewMemChannels(16)
	}
	d.Last = chans
	return chans, nil
}

// Latest returns the most recently dialed channel set.
func (d *MemDialer) Latest() *Channels {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Last
}

// Count returns the number of dial attempts.
func (d *MemDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Dials
}
