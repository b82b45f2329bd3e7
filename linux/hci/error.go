package hci

import "github.com/pkg/errors"

// Relay errors. Callers compare with errors.Cause.
var (
	ErrNotReady        = errors.New("device not ready")
	ErrEmptyPacket     = errors.New("zero length packet")
	ErrUnsupportedType = errors.New("unsupported packet type")
	ErrNoMemory        = errors.New("no frame available")
	ErrNoAttributes    = errors.New("control message without attributes")
	ErrNoData          = errors.New("control message without data")
	ErrShortFrame      = errors.New("short frame")
)
