// Package bridge is the host-facing surface of kernelbridge: the connect,
// list_kernels and yield calls, a unix-socket control server that hands
// session pipes to other processes, and stdio attachment.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/kernelspec"
	"github.com/danmuck/kernelbridge/internal/session"
)

// Bridge adapts a session.Factory to host calls that carry JSON parameters.
type Bridge struct {
	factory *session.Factory
}

func New(factory *session.Factory) *Bridge {
	return &Bridge{factory: factory}
}

func (b *Bridge) Factory() *session.Factory {
	return b.factory
}

// Connect decodes connection parameters and opens a session.
func (b *Bridge) Connect(ctx context.Context, params json.RawMessage) (*session.Handle, error) {
	info, err := DecodeConnectionInfo(params)
	if err != nil {
		return nil, err
	}
	return b.factory.Connect(ctx, info)
}

func (b *Bridge) ListKernels(ctx context.Context) ([]kernelspec.Dir, error) {
	return b.factory.ListKernels(ctx)
}

// Pending yields the processor once so the host can return to its own loop.
func (b *Bridge) Pending(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// DecodeConnectionInfo parses connection parameters in connection-file shape.
func DecodeConnectionInfo(params json.RawMessage) (jupyter.ConnectionInfo, error) {
	var info jupyter.ConnectionInfo
	if len(params) == 0 {
		return info, fmt.Errorf("%w: missing connection parameters", jupyter.ErrInvalidConnection)
	}
	if err := json.Unmarshal(params, &info); err != nil {
		return info, fmt.Errorf("%w: connection parameters: %v", jupyter.ErrSerialization, err)
	}
	return info.WithDefaults(), nil
}
