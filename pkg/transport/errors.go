package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed endpoint.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when an invalid peer address is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoHandler is returned when no datagram handler is configured.
	ErrNoHandler = errors.New("transport: no datagram handler configured")

	// ErrAlreadyStarted is returned when Start is called on a running endpoint.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrDatagramTooLarge is returned when a datagram exceeds the maximum size.
	ErrDatagramTooLarge = errors.New("transport: datagram too large")
)
