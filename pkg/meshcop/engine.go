package meshcop

import (
	"crypto/ecdsa"
	"crypto/x509"
	"time"
)

// TimerState is what the session reports when the engine queries its
// two-milestone handshake timer.
type TimerState int

const (
	// TimerCancelled means no timer is set.
	TimerCancelled TimerState = -1

	// TimerPending means a timer is set and neither milestone has elapsed.
	TimerPending TimerState = 0

	// TimerIntermediate means the intermediate milestone has elapsed.
	TimerIntermediate TimerState = 1

	// TimerFinish means the final milestone has elapsed.
	TimerFinish TimerState = 2
)

// Bio is the session-side surface the engine drives the wire through. All
// four calls are synchronous and run on the session's dispatch path.
type Bio interface {
	// Receive pops pending inbound record bytes into p. Returns ErrWantRead
	// when no data is buffered.
	Receive(p []byte) (int, error)

	// Transmit submits outbound record bytes to the bound sender. Returns
	// ErrWantWrite when the sender is momentarily unable to accept; the
	// engine retries on the next process step.
	Transmit(p []byte) (int, error)

	// SetTimer stores the two retransmission milestones and arms the
	// session timer at the earlier of them. A zero finish disarms.
	SetTimer(intermediate, finish time.Duration)

	// TimerState reports which milestone, if any, has elapsed.
	TimerState() TimerState
}

// KeyExporter receives the handshake's master secret and expanded key block
// once the handshake completes. Used to derive the key encryption key for
// joiner entrust.
type KeyExporter func(masterSecret, keyBlock []byte)

// EngineConfig carries the key material and role for one handshake. The
// transport assembles it from its own configuration and the Extension state
// at session setup.
type EngineConfig struct {
	// Role selects the client or server side of the handshake.
	Role Role

	// CipherSuite is the negotiated key-exchange family.
	CipherSuite CipherSuite

	// Psk and PskIdentity are set for the PSK suite.
	Psk         []byte
	PskIdentity []byte

	// Certificate, PrivateKey and CaChain are set for the ECDHE-ECDSA
	// suites.
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CaChain     []*x509.Certificate

	// VerifyPeer requires and verifies the peer certificate.
	VerifyPeer bool

	// CookieSecret is the ephemeral key for the server's HelloVerifyRequest
	// cookie, freshly drawn at each session setup.
	CookieSecret []byte

	// MaxContentLength caps the plaintext per record. Zero means the
	// engine's default.
	MaxContentLength int

	// KeyExporter, if set, is invoked once on handshake completion.
	KeyExporter KeyExporter
}

// Engine is the cryptographic state machine a session drives: handshake,
// record protection, and teardown. Exactly one engine instance belongs to a
// transport; Reset recycles it between connections.
//
// Handshake, Read and Write yield with ErrWantRead or ErrWantWrite instead
// of blocking; the session resumes them from the next inbound datagram or
// timer tick. Any other non-nil error is fatal for the connection.
type Engine interface {
	// Setup binds the engine to a Bio and installs key material for one
	// connection. Fails if the suite is unsupported or material is missing.
	Setup(bio Bio, config EngineConfig) error

	// Handshake advances the handshake. Returns nil once complete.
	Handshake() error

	// Read decrypts buffered application data into p. Returns ErrWantRead
	// when no complete record is buffered and ErrPeerClosed after a
	// close-notify.
	Read(p []byte) (int, error)

	// Write protects p and transmits it, fragmenting into records as
	// needed. On success the full length was accepted.
	Write(p []byte) (int, error)

	// SendCloseNotify sends a close-notify record if keys are established.
	SendCloseNotify() error

	// Reset discards all connection state so the engine can be set up
	// again.
	Reset()

	// PeerCertificate returns the peer's certificate after a certificate
	// handshake, nil otherwise.
	PeerCertificate() *x509.Certificate
}
