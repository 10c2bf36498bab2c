package jupyter

import "errors"

var (
	ErrSerialization     = errors.New("jupyter: serialization error")
	ErrMissingContent    = errors.New("jupyter: message has no content")
	ErrMissingHeader     = errors.New("jupyter: message has no header")
	ErrInvalidConnection = errors.New("jupyter: invalid connection info")
)
