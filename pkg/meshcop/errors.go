package meshcop

import "errors"

// API errors returned synchronously. Asynchronous failures (handshake
// errors, peer close) are surfaced through the connect callback instead.
var (
	// ErrInvalidState is returned when an operation is attempted in the
	// wrong lifecycle state.
	ErrInvalidState = errors.New("meshcop: invalid state")

	// ErrInvalidArgs is returned for out-of-range arguments, such as a PSK
	// longer than PskMaxLength.
	ErrInvalidArgs = errors.New("meshcop: invalid arguments")

	// ErrNoBufs is returned when a payload exceeds the application-data
	// limit, an output buffer is too small, or the message pool is
	// exhausted.
	ErrNoBufs = errors.New("meshcop: no buffers available")

	// ErrAlready is returned on double open or double bind.
	ErrAlready = errors.New("meshcop: already done")

	// ErrNotFound is returned when a requested certificate attribute is
	// missing.
	ErrNotFound = errors.New("meshcop: not found")

	// ErrNotImplemented is returned for an unsupported Thread OID
	// descriptor.
	ErrNotImplemented = errors.New("meshcop: not implemented")

	// ErrParse is returned for a malformed certificate extension.
	ErrParse = errors.New("meshcop: parse failed")
)

// Engine yield and failure conditions. The session treats these as control
// flow, not user-visible errors.
var (
	// ErrWantRead means the engine needs more inbound data before it can
	// make progress.
	ErrWantRead = errors.New("meshcop: want read")

	// ErrWantWrite means the sender could not accept the engine's outbound
	// data; the engine retries on the next process step.
	ErrWantWrite = errors.New("meshcop: want write")

	// ErrPeerClosed means the peer sent a close-notify or fatal alert.
	ErrPeerClosed = errors.New("meshcop: peer closed")
)
