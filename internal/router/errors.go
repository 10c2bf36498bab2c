package router

import (
	"context"
	"errors"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/jupyter/wire"
	"github.com/danmuck/kernelbridge/internal/transport"
)

var (
	ErrPipeIO               = errors.New("router: sidecar pipe i/o error")
	ErrMissingChannel       = errors.New("router: message has no channel")
	ErrInvalidTargetChannel = errors.New("router: channel does not accept host messages")
	ErrAlreadyRunning       = errors.New("router: already running")
)

// Termination reasons reported to metrics.
const (
	ReasonCanceled       = "canceled"
	ReasonPipeIO         = "pipe_io"
	ReasonSerialization  = "serialization"
	ReasonMissingContent = "missing_content"
	ReasonMissingChannel = "missing_channel"
	ReasonInvalidTarget  = "invalid_target_channel"
	ReasonProtocol       = "protocol"
	ReasonOther          = "other"
)

// Reason classifies a router exit error.
func Reason(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrPipeIO):
		return ReasonPipeIO
	case errors.Is(err, jupyter.ErrMissingContent):
		return ReasonMissingContent
	case errors.Is(err, jupyter.ErrSerialization):
		return ReasonSerialization
	case errors.Is(err, ErrMissingChannel):
		return ReasonMissingChannel
	case errors.Is(err, ErrInvalidTargetChannel):
		return ReasonInvalidTarget
	case errors.Is(err, transport.ErrProtocol),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, wire.ErrMalformed),
		errors.Is(err, wire.ErrInvalidSignature):
		return ReasonProtocol
	default:
		return ReasonOther
	}
}
