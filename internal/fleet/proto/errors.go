package proto

import "errors"

// Sentinel errors for frame decoding, matching the teacher corpus's
// errors.Is-comparable sentinel style (internal/device.ErrTimeout and
// friends) rather than ad hoc string errors.
var (
	// ErrShortFrame means the buffer does not yet contain a complete
	// frame; the caller should wait for more notification data.
	ErrShortFrame = errors.New("proto: short frame")
	// ErrMalformedFrame means the buffer will never parse as a valid
	// frame regardless of how much more data arrives.
	ErrMalformedFrame = errors.New("proto: malformed frame")
	// ErrFrameTooLarge means an outbound frame would exceed MaxFrameSize.
	ErrFrameTooLarge = errors.New("proto: frame too large")
	// ErrUnhandledMessage names a message id with no decoder. Dispatch
	// does not return it: unknown ids are hex-dumped at verbose >= 2
	// each time they arrive.
	ErrUnhandledMessage = errors.New("proto: unhandled message id")
)
