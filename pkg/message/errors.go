package message

import "errors"

// Message errors.
var (
	// ErrNoBufs is returned when the pool is exhausted or a payload would
	// exceed the per-message length cap.
	ErrNoBufs = errors.New("message: no buffers available")
)
