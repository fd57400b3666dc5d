package meshcop

// SessionState is the lifecycle state of a SecureSession.
type SessionState int

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected SessionState = iota

	// StateInitializing means peer info is set and crypto setup is running.
	StateInitializing

	// StateConnecting means the handshake is in progress.
	StateConnecting

	// StateConnected means the handshake completed and application data
	// can flow.
	StateConnected

	// StateDisconnecting means teardown is in progress (close-notify sent
	// or peer close being processed).
	StateDisconnecting
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateInitializing:
		return "Initializing"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// IsValid returns true for a defined session state.
func (s SessionState) IsValid() bool {
	return s >= StateDisconnected && s <= StateDisconnecting
}

// ConnectEvent is reported to the connect callback on session transitions.
type ConnectEvent int

const (
	// EventConnected fires when the handshake completes.
	EventConnected ConnectEvent = iota

	// EventDisconnectedPeerClosed fires when the peer sent close-notify or
	// a fatal alert.
	EventDisconnectedPeerClosed

	// EventDisconnectedLocalClosed fires when the local side called
	// Disconnect or Close.
	EventDisconnectedLocalClosed

	// EventDisconnectedMaxAttempts fires when the transport exhausted its
	// connection-attempt budget.
	EventDisconnectedMaxAttempts

	// EventDisconnectedError fires on handshake failure or timeout.
	EventDisconnectedError
)

// String returns a human-readable name for the event.
func (e ConnectEvent) String() string {
	switch e {
	case EventConnected:
		return "Connected"
	case EventDisconnectedPeerClosed:
		return "DisconnectedPeerClosed"
	case EventDisconnectedLocalClosed:
		return "DisconnectedLocalClosed"
	case EventDisconnectedMaxAttempts:
		return "DisconnectedMaxAttempts"
	case EventDisconnectedError:
		return "DisconnectedError"
	default:
		return "Unknown"
	}
}

// IsDisconnect returns true for the four disconnect events.
func (e ConnectEvent) IsDisconnect() bool {
	return e != EventConnected
}

// CipherSuite selects the key-exchange family for a handshake. At most one
// suite is active per handshake, chosen from the configured key material.
type CipherSuite int

const (
	// CipherSuiteNone means no key material has been configured.
	CipherSuiteNone CipherSuite = iota

	// CipherSuiteEcjpakeWithAes128Ccm8 is the password-authenticated suite
	// used for commissioning (joiner) sessions.
	CipherSuiteEcjpakeWithAes128Ccm8

	// CipherSuitePskWithAes128Ccm8 is the pre-shared-key suite.
	CipherSuitePskWithAes128Ccm8

	// CipherSuiteEcdheEcdsaWithAes128Ccm8 is the certificate suite with
	// CCM-8 record protection.
	CipherSuiteEcdheEcdsaWithAes128Ccm8

	// CipherSuiteEcdheEcdsaWithAes128GcmSha256 is the certificate suite
	// with GCM record protection.
	CipherSuiteEcdheEcdsaWithAes128GcmSha256
)

// String returns a human-readable name for the suite.
func (c CipherSuite) String() string {
	switch c {
	case CipherSuiteNone:
		return "None"
	case CipherSuiteEcjpakeWithAes128Ccm8:
		return "ECJPAKE-WITH-AES-128-CCM-8"
	case CipherSuitePskWithAes128Ccm8:
		return "PSK-WITH-AES-128-CCM-8"
	case CipherSuiteEcdheEcdsaWithAes128Ccm8:
		return "ECDHE-ECDSA-WITH-AES-128-CCM-8"
	case CipherSuiteEcdheEcdsaWithAes128GcmSha256:
		return "ECDHE-ECDSA-WITH-AES-128-GCM-SHA256"
	default:
		return "Unknown"
	}
}

// IsValid returns true for a defined cipher suite.
func (c CipherSuite) IsValid() bool {
	return c >= CipherSuiteNone && c <= CipherSuiteEcdheEcdsaWithAes128GcmSha256
}

// Role is the handshake role of a session.
type Role int

const (
	// RoleClient initiates the handshake (Connect path).
	RoleClient Role = iota

	// RoleServer answers an inbound handshake (admission path).
	RoleServer
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "Client"
	case RoleServer:
		return "Server"
	default:
		return "Unknown"
	}
}
