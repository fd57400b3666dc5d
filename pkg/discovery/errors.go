package discovery

import "errors"

var (
	// ErrClosed means the advertiser was closed.
	ErrClosed = errors.New("discovery: advertiser closed")

	// ErrAlreadyStarted means the service is already being advertised.
	ErrAlreadyStarted = errors.New("discovery: already advertising")

	// ErrNotStarted means no advertisement is active.
	ErrNotStarted = errors.New("discovery: not advertising")

	// ErrInvalidTXT means a TXT record field failed validation.
	ErrInvalidTXT = errors.New("discovery: invalid txt record")
)
