package handshake

import "errors"

var (
	// ErrNotSetup is returned when the engine is used before Setup.
	ErrNotSetup = errors.New("handshake: engine not set up")

	// ErrUnsupportedSuite is returned for a cipher suite the engine does
	// not implement.
	ErrUnsupportedSuite = errors.New("handshake: unsupported cipher suite")

	// ErrMissingKeyMaterial is returned when the selected suite lacks its
	// key material (PSK or certificate and key).
	ErrMissingKeyMaterial = errors.New("handshake: missing key material")

	// ErrTimeout is returned when the retransmission budget for a flight
	// is exhausted.
	ErrTimeout = errors.New("handshake: flight retransmission limit reached")

	// ErrBadRecord is returned for a record that cannot be parsed.
	ErrBadRecord = errors.New("handshake: malformed record")

	// ErrVerifyFailed is returned when a certificate, signature or
	// finished MAC does not verify.
	ErrVerifyFailed = errors.New("handshake: verification failed")

	// ErrBufferTooSmall is returned by Read when the caller's buffer
	// cannot hold a decrypted record.
	ErrBufferTooSmall = errors.New("handshake: buffer too small for record")
)
