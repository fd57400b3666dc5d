package credentials

import "errors"

var (
	// ErrInvalidPEM indicates the input contained no usable PEM block.
	ErrInvalidPEM = errors.New("credentials: invalid PEM data")

	// ErrInvalidKey indicates the private key could not be parsed or is
	// not an EC key.
	ErrInvalidKey = errors.New("credentials: invalid EC private key")

	// ErrAttributeNotFound indicates the requested attribute or extension
	// is not present in the certificate.
	ErrAttributeNotFound = errors.New("credentials: attribute not found")

	// ErrDescriptorRange indicates a Thread OID descriptor above 127,
	// which cannot be encoded as a single DER arc octet.
	ErrDescriptorRange = errors.New("credentials: thread OID descriptor out of range")

	// ErrMalformedExtension indicates an extension value that is not valid
	// DER.
	ErrMalformedExtension = errors.New("credentials: malformed extension value")

	// ErrMalformedSubject indicates a subject DN that could not be parsed.
	ErrMalformedSubject = errors.New("credentials: malformed subject")
)
