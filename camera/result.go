package camera

import "errors"

// Result sentinels surfaced on the public API. Callers match with
// errors.Is; wrapped causes carry the device-level detail.
var (
	ErrInvalidArg           = errors.New("invalid argument")
	ErrBufferNotAvailable   = errors.New("buffer not available")
	ErrOwnershipLost        = errors.New("ownership lost")
	ErrStreamAlreadyRunning = errors.New("stream already running")
	ErrUnderlyingService    = errors.New("underlying service error")
	ErrInternal             = errors.New("internal error")
	ErrViewNotSet           = errors.New("view not set")
	ErrNotSupported         = errors.New("operation not supported")
)
