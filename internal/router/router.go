package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/observability"
	"github.com/danmuck/kernelbridge/internal/sidecar"
	"github.com/danmuck/kernelbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config defines router limits.
type Config struct {
	// MaxLine bounds one inbound envelope line in bytes.
	MaxLine int
}

func DefaultConfig() Config {
	return Config{MaxLine: sidecar.DefaultMaxLine}
}

func (c Config) WithDefaults() Config {
	if c.MaxLine <= 0 {
		c.MaxLine = DefaultConfig().MaxLine
	}
	return c
}

// Stats counts messages routed per channel.
type Stats struct {
	ToKernel map[jupyter.Channel]uint64 `json:"to_kernel"`
	ToHost   map[jupyter.Channel]uint64 `json:"to_host"`
}

// Router owns one session's channel set and the router ends of its pipes.
type Router struct {
	sessionID string
	cfg       Config
	chans     *transport.Channels
	ends      sidecar.RouterEnds
	in        *sidecar.LineReader
	out       *sidecar.LineWriter
	logger    zerolog.Logger

	started   atomic.Bool
	closeOnce sync.Once

	statsMu  sync.Mutex
	toKernel map[jupyter.Channel]uint64
	toHost   map[jupyter.Channel]uint64
}

type lineResult struct {
	line []byte
	err  error
}

type recvResult struct {
	msg *jupyter.Message
	err error
}

func New(sessionID string, chans *transport.Channels, ends sidecar.RouterEnds, cfg Config) *Router {
	cfg = cfg.WithDefaults()
	return &Router{
		sessionID: sessionID,
		cfg:       cfg,
		chans:     chans,
		ends:      ends,
		in:        ends.Reader(cfg.MaxLine),
		out:       ends.Writer(),
		logger: log.With().
			Str("component", "router").
			Str("session_id", sessionID).
			Logger(),
		toKernel: make(map[jupyter.Channel]uint64),
		toHost:   make(map[jupyter.Channel]uint64),
	}
}

func (r *Router) SessionID() string {
	return r.sessionID
}

// Run multiplexes until the first failure or until ctx is done. Every
// resource the router owns is closed before Run returns. Run may be called
// once.
func (r *Router) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)

	lines := make(chan lineResult)
	shell := make(chan recvResult)
	iopub := make(chan recvResult)
	stdin := make(chan recvResult)
	control := make(chan recvResult)

	var wg sync.WaitGroup
	wg.Add(5)
	go r.readLines(ctx, &wg, lines)
	go r.receive(ctx, &wg, r.chans.Shell, shell)
	go r.receive(ctx, &wg, r.chans.IOPub, iopub)
	go r.receive(ctx, &wg, r.chans.Stdin, stdin)
	go r.receive(ctx, &wg, r.chans.Control, control)

	r.logger.Debug().Msg("router started")
	err := r.loop(ctx, lines, shell, iopub, stdin, control)

	cancel()
	r.close()
	wg.Wait()

	reason := Reason(err)
	observability.RecordRouterTermination(reason)
	ev := r.logger.Warn()
	if reason == ReasonCanceled || errors.Is(err, io.EOF) {
		ev = r.logger.Info()
	}
	ev.Err(err).Str("reason", reason).Msg("router terminated")
	return err
}

// loop handles exactly one ready source per iteration.
func (r *Router) loop(
	ctx context.Context,
	lines <-chan lineResult,
	shell, iopub, stdin, control <-chan recvResult,
) error {
	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-lines:
			if res.err != nil {
				return fmt.Errorf("%w: read inbound: %w", ErrPipeIO, res.err)
			}
			err = r.dispatch(ctx, res.line)
		case res := <-shell:
			err = r.forward(jupyter.ChannelShell, res)
		case res := <-iopub:
			err = r.forward(jupyter.ChannelIOPub, res)
		case res := <-stdin:
			err = r.forward(jupyter.ChannelStdin, res)
		case res := <-control:
			err = r.forward(jupyter.ChannelControl, res)
		}
		if err != nil {
			return err
		}
	}
}

// dispatch decodes one host line and sends it on the channel it names.
func (r *Router) dispatch(ctx context.Context, line []byte) error {
	msg, err := jupyter.DecodeEnvelope(line)
	if err != nil {
		return err
	}
	if msg.Channel == nil {
		return fmt.Errorf("%w: msg_type=%s", ErrMissingChannel, msg.MsgType())
	}
	ch := *msg.Channel
	if !ch.Sendable() {
		return fmt.Errorf("%w: %s", ErrInvalidTargetChannel, ch)
	}
	t, ok := r.chans.ForSend(ch)
	if !ok {
		return fmt.Errorf("%w: %s not connected", ErrInvalidTargetChannel, ch)
	}
	if err := t.Send(ctx, msg); err != nil {
		return fmt.Errorf("router: send %s: %w", ch, err)
	}
	r.count(observability.DirectionToKernel, ch)
	r.logger.Trace().Str("channel", ch.String()).Str("msg_type", msg.MsgType()).Msg("to kernel")
	return nil
}

// forward writes one kernel message to the host and flushes it.
func (r *Router) forward(ch jupyter.Channel, res recvResult) error {
	if res.err != nil {
		return fmt.Errorf("router: receive %s: %w", ch, res.err)
	}
	line, err := jupyter.EncodeEnvelope(res.msg.WithChannel(ch))
	if err != nil {
		return fmt.Errorf("%w: encode %s message: %w", jupyter.ErrSerialization, ch, err)
	}
	if err := r.out.WriteLine(line); err != nil {
		return fmt.Errorf("%w: write outbound: %w", ErrPipeIO, err)
	}
	if err := r.out.Flush(); err != nil {
		return fmt.Errorf("%w: flush outbound: %w", ErrPipeIO, err)
	}
	r.count(observability.DirectionToHost, ch)
	r.logger.Trace().Str("channel", ch.String()).Str("msg_type", res.msg.MsgType()).Msg("to host")
	return nil
}

func (r *Router) readLines(ctx context.Context, wg *sync.WaitGroup, out chan<- lineResult) {
	defer wg.Done()
	for {
		line, err := r.in.ReadLine()
		select {
		case out <- lineResult{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *Router) receive(ctx context.Context, wg *sync.WaitGroup, t transport.Transport, out chan<- recvResult) {
	defer wg.Done()
	if t == nil {
		return
	}
	for {
		msg, err := t.Receive(ctx)
		select {
		case out <- recvResult{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// close releases every transport and both router pipe ends. Closing them
// unblocks the source goroutines.
func (r *Router) close() {
	r.closeOnce.Do(func() {
		if err := r.chans.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("close channels")
		}
		if err := r.ends.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("close pipes")
		}
	})
}

func (r *Router) count(direction string, ch jupyter.Channel) {
	observability.RecordRouted(direction, ch.String())
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if direction == observability.DirectionToKernel {
		r.toKernel[ch]++
		return
	}
	r.toHost[ch]++
}

// Stats returns a snapshot of routed message counts.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := Stats{
		ToKernel: make(map[jupyter.Channel]uint64, len(r.toKernel)),
		ToHost:   make(map[jupyter.Channel]uint64, len(r.toHost)),
	}
	for k, v := range r.toKernel {
		out.ToKernel[k] = v
	}
	for k, v := range r.toHost {
		out.ToHost[k] = v
	}
	return out
}
