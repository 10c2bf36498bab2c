package session

import (
	"context"
	"fmt"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/kernelspec"
	"github.com/danmuck/kernelbridge/internal/observability"
	"github.com/danmuck/kernelbridge/internal/router"
	"github.com/danmuck/kernelbridge/internal/sidecar"
	"github.com/danmuck/kernelbridge/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// KernelLister enumerates installed kernel specs.
type KernelLister interface {
	ListKernels(ctx context.Context) ([]kernelspec.Dir, error)
}

// Factory establishes sessions.
type Factory struct {
	Dialer   transport.Dialer
	Registry *Registry
	Kernels  KernelLister
	Router   router.Config
	// NewSessionID generates session ids; defaults to a random UUID.
	NewSessionID func() string
}

// NewFactory wires a factory to the ZMQ dialer, the default registry and
// on-disk kernelspec discovery.
func NewFactory(cfg transport.Config) *Factory {
	return &Factory{
		Dialer:   transport.NewZMQDialer(cfg),
		Registry: DefaultRegistry,
		Kernels:  kernelspec.NewFinder(),
		Router:   router.DefaultConfig(),
	}
}

// Connect opens a session to the kernel described by info. On failure nothing
// is left open and no router is registered.
func (f *Factory) Connect(ctx context.Context, info jupyter.ConnectionInfo) (*Handle, error) {
	handle, err := f.connect(ctx, info)
	observability.RecordConnect(err == nil)
	return handle, err
}

func (f *Factory) connect(ctx context.Context, info jupyter.ConnectionInfo) (*Handle, error) {
	info = info.WithDefaults()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	sessionID := f.sessionID()
	logger := log.With().
		Str("component", "session").
		Str("session_id", sessionID).
		Str("kernel_name", info.KernelName).
		Logger()

	pipes, err := sidecar.Open()
	if err != nil {
		return nil, err
	}
	chans, err := f.Dialer.Dial(ctx, info, sessionID)
	if err != nil {
		_ = pipes.Close()
		logger.Warn().Err(err).Msg("connect failed")
		return nil, err
	}

	rt := router.New(sessionID, chans, pipes.Router, f.Router)
	task, err := f.registry().Start(info, rt)
	if err != nil {
		_ = chans.Close()
		_ = pipes.Close()
		return nil, err
	}

	handle := newHandle(info, task, pipes.Host)
	logger.Info().
		Str("shell", info.Endpoint(jupyter.ChannelShell)).
		Int("read_pipe_fd", handle.ReadPipeFD).
		Int("write_pipe_fd", handle.WritePipeFD).
		Msg("session connected")
	return handle, nil
}

// ListKernels has no session side effects.
func (f *Factory) ListKernels(ctx context.Context) ([]kernelspec.Dir, error) {
	if f.Kernels == nil {
		return nil, fmt.Errorf("session: no kernel lister configured")
	}
	return f.Kernels.ListKernels(ctx)
}

func (f *Factory) registry() *Registry {
	if f.Registry == nil {
		return DefaultRegistry
	}
	return f.Registry
}

func (f *Factory) sessionID() string {
	if f.NewSessionID != nil {
		return f.NewSessionID()
	}
	return uuid.NewString()
}
