// Package meshcop implements the session-oriented secure transport used by
// Thread commissioning: a single UDP-like endpoint multiplexed into one
// secure session at a time, driving an external handshake engine through a
// cooperative, timer-driven BIO surface, plus the Extension overlay for
// cipher configuration and peer-certificate inspection.
package meshcop

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/threadmesh/go-thread/pkg/message"
	"github.com/threadmesh/go-thread/pkg/transport"
)

// Configuration defaults. These mirror the constrained-node compile-time
// knobs; each is overridable in SecureTransportConfig.
const (
	// PskMaxLength is the maximum pre-shared key length in bytes.
	PskMaxLength = 32

	// DefaultMaxContentLength is the default plaintext cap per record.
	DefaultMaxContentLength = 768

	// DefaultApplicationDataMaxLength is the default cap on a single
	// Send payload.
	DefaultApplicationDataMaxLength = 1152

	// GuardTimeNewConnection is the minimum delay between a disconnect and
	// admission of a new inbound connection, letting the old crypto state
	// fully tear down.
	GuardTimeNewConnection = 2000 * time.Millisecond

	// cookieSecretSize is the length of the ephemeral HelloVerifyRequest
	// cookie key drawn at each server-side session setup.
	cookieSecretSize = 16
)

// SendFunc is a user-supplied sender for Bind-to-callback transports.
// Ownership of the message transfers to the sender on success.
type SendFunc func(msg *message.Message, peer netip.AddrPort) error

// AutoCloseCallback fires when the connection-attempt budget is exhausted
// and the transport closes itself.
type AutoCloseCallback func()

// SecureTransportConfig configures a SecureTransport.
type SecureTransportConfig struct {
	// Engine is the handshake engine driven by the session. Required.
	Engine Engine

	// Pool is the message pool for record buffers. If nil, a pool with
	// default limits is created.
	Pool *message.Pool

	// Conn is an optional pre-existing PacketConn used by Bind instead of
	// opening a UDP socket. Used by tests with in-memory pipes.
	Conn net.PacketConn

	// VerifyPeer requires peer-certificate verification for the
	// certificate suites. Adjustable later via Extension.SetSslAuthMode.
	VerifyPeer bool

	// CertificateSuite selects the record protection used with
	// certificate key material. Zero means ECDHE-ECDSA with AES-128-CCM-8.
	CertificateSuite CipherSuite

	// MaxContentLength caps plaintext per record. Zero means
	// DefaultMaxContentLength.
	MaxContentLength int

	// ApplicationDataMaxLength caps a single Send payload. Zero means
	// DefaultApplicationDataMaxLength.
	ApplicationDataMaxLength int

	// GuardTime overrides GuardTimeNewConnection. Negative disables the
	// guard.
	GuardTime time.Duration

	// Clock overrides the wall clock, for deterministic tests. If nil,
	// time.Now is used.
	Clock func() time.Time

	// LoggerFactory is the factory for creating loggers. If nil, logging
	// is disabled.
	LoggerFactory logging.LoggerFactory
}

// SecureTransport owns the datagram endpoint and exactly one SecureSession.
// It routes inbound packets to the session and gates connection admission
// (guard time, attempt budget).
type SecureTransport struct {
	mu sync.Mutex

	engine Engine
	pool   *message.Pool
	conn   net.PacketConn
	log    logging.LeveledLogger
	clock  func() time.Time

	open  bool
	bound bool
	udp   *transport.UDP
	send  SendFunc

	session *SecureSession

	// Key material installed via SetPsk and the Extension.
	psk         []byte
	pskIdentity []byte
	certificate *x509.Certificate
	privateKey  *ecdsa.PrivateKey
	caChain     []*x509.Certificate
	verifyPeer  bool
	certSuite   CipherSuite

	maxAttempts int
	remaining   int
	autoCloseCb AutoCloseCallback

	guardTime      time.Duration
	lastDisconnect time.Time
	haveDisconnect bool

	maxContent int
	appDataMax int
}

// NewSecureTransport creates a closed transport. Call Open then Bind before
// connecting or accepting.
func NewSecureTransport(config SecureTransportConfig) (*SecureTransport, error) {
	if config.Engine == nil {
		return nil, ErrInvalidArgs
	}

	t := &SecureTransport{
		engine:     config.Engine,
		pool:       config.Pool,
		conn:       config.Conn,
		clock:      config.Clock,
		verifyPeer: config.VerifyPeer,
		certSuite:  config.CertificateSuite,
		guardTime:  config.GuardTime,
		maxContent: config.MaxContentLength,
		appDataMax: config.ApplicationDataMaxLength,
	}

	if t.pool == nil {
		t.pool = message.NewPool(message.PoolConfig{})
	}
	if t.clock == nil {
		t.clock = time.Now
	}
	if t.certSuite == CipherSuiteNone {
		t.certSuite = CipherSuiteEcdheEcdsaWithAes128Ccm8
	}
	if t.guardTime == 0 {
		t.guardTime = GuardTimeNewConnection
	} else if t.guardTime < 0 {
		t.guardTime = 0
	}
	if t.maxContent == 0 {
		t.maxContent = DefaultMaxContentLength
	}
	if t.appDataMax == 0 {
		t.appDataMax = DefaultApplicationDataMaxLength
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("meshcop")
	}

	return t, nil
}

// Open moves the transport Closed -> Open and records the callbacks
// forwarded to the session. Fails with ErrAlready if already open.
func (t *SecureTransport) Open(receive ReceiveHandler, connect ConnectHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return ErrAlready
	}

	t.open = true
	t.remaining = t.maxAttempts
	t.session = newSecureSession(t, receive, connect)
	return nil
}

// Bind attaches the transport to a UDP port (or the configured PacketConn)
// and starts receiving. Fails if not open or already bound.
func (t *SecureTransport) Bind(port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return ErrInvalidState
	}
	if t.bound {
		return ErrAlready
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:    t.conn,
		Port:    port,
		Handler: t.HandleReceive,
	})
	if err != nil {
		return err
	}
	if err := udp.Start(); err != nil {
		return err
	}

	t.udp = udp
	t.bound = true
	if t.log != nil {
		t.log.Infof("bound to UDP port %d", udp.Port())
	}
	return nil
}

// BindSender attaches the transport to a user-supplied sender instead of a
// UDP socket. Inbound datagrams are then injected via HandleReceive.
func (t *SecureTransport) BindSender(send SendFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return ErrInvalidState
	}
	if t.bound {
		return ErrAlready
	}
	if send == nil {
		return ErrInvalidArgs
	}

	t.send = send
	t.bound = true
	return nil
}

// SetMaxConnectionAttempts arms the admission limiter: after n admitted
// inbound connections the transport closes itself and fires closeCb. Zero
// means unlimited. Valid only while closed.
func (t *SecureTransport) SetMaxConnectionAttempts(n int, closeCb AutoCloseCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return ErrInvalidState
	}
	if n < 0 {
		return ErrInvalidArgs
	}

	t.maxAttempts = n
	t.autoCloseCb = closeCb
	return nil
}

// SetPsk stores a pre-shared key of up to PskMaxLength bytes.
func (t *SecureTransport) SetPsk(psk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(psk) > PskMaxLength {
		return ErrInvalidArgs
	}

	t.psk = append([]byte(nil), psk...)
	return nil
}

// Close tears down the session (surfacing DisconnectedLocalClosed if a
// connection was active), releases crypto state and unbinds. A second Close
// is a no-op.
func (t *SecureTransport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}

	var fired []func()
	t.closeLocked(EventDisconnectedLocalClosed, &fired)
	udp := t.udp
	t.udp = nil
	t.mu.Unlock()

	deliver(fired)

	// Stopping the endpoint outside the lock: its read loop re-enters
	// HandleReceive, which takes the lock.
	if udp != nil {
		udp.Stop()
	}
	return nil
}

// closeLocked marks the transport closed and tears down the session. The
// caller is responsible for stopping the UDP endpoint outside the lock.
func (t *SecureTransport) closeLocked(event ConnectEvent, fired *[]func()) {
	if t.session != nil {
		t.session.disconnectLocked(event, fired)
	}
	t.open = false
	t.bound = false
	t.send = nil
	if t.log != nil {
		t.log.Info("transport closed")
	}
}

// IsClosed returns true when the transport is not open. Per the lifecycle
// invariant this implies the session is Disconnected.
func (t *SecureTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.open
}

// IsOpen returns true between Open and Close.
func (t *SecureTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Session returns the transport's single session. Valid after Open.
func (t *SecureTransport) Session() *SecureSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// GetUdpPort returns the bound UDP port, or zero when bound to a sender
// callback or not bound.
func (t *SecureTransport) GetUdpPort() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.udp == nil {
		return 0
	}
	return t.udp.Port()
}

// HandleReceive is the inbound path. Datagrams for the active session are
// accepted only from its peer; with no active session, admission is gated
// by the guard time and the attempt budget.
func (t *SecureTransport) HandleReceive(data []byte, from netip.AddrPort) {
	t.mu.Lock()
	var fired []func()
	var udp *transport.UDP

	switch {
	case !t.open || t.session == nil:
		// Closed; drop.

	case t.session.state != StateDisconnected:
		if t.session.peer == from {
			t.session.handleReceiveLocked(data, &fired)
		} else if t.log != nil {
			t.log.Debugf("dropping datagram from %v: session busy with %v", from, t.session.peer)
		}

	default:
		udp = t.admitLocked(data, from, &fired)
	}

	t.mu.Unlock()
	deliver(fired)
	if udp != nil {
		// Shutdown, not Stop: HandleReceive runs on the endpoint's own
		// read-loop goroutine, which Stop would wait for.
		udp.Shutdown()
	}
}

// admitLocked runs server-side admission for a datagram that arrived with
// no active session. It returns the UDP endpoint to shut down when
// admission exhausted the attempt budget.
func (t *SecureTransport) admitLocked(data []byte, from netip.AddrPort, fired *[]func()) *transport.UDP {
	if t.haveDisconnect && t.clock().Sub(t.lastDisconnect) < t.guardTime {
		if t.log != nil {
			t.log.Debugf("dropping datagram from %v: new-connection guard active", from)
		}
		return nil
	}

	if t.maxAttempts > 0 {
		if t.remaining == 0 {
			if t.log != nil {
				t.log.Infof("connection attempts exhausted, closing")
			}
			t.closeLocked(EventDisconnectedMaxAttempts, fired)
			udp := t.udp
			t.udp = nil
			if cb := t.autoCloseCb; cb != nil {
				*fired = append(*fired, func() { cb() })
			}
			return udp
		}
		t.remaining--
	}

	if err := t.session.setupLocked(from, RoleServer); err != nil {
		if t.log != nil {
			t.log.Warnf("rejecting connection from %v: %v", from, err)
		}
		return nil
	}
	t.session.handleReceiveLocked(data, fired)
	return nil
}

// Connect starts a client handshake toward peer via the session.
func (t *SecureTransport) Connect(peer netip.AddrPort) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	if session == nil {
		return ErrInvalidState
	}
	return session.Connect(peer)
}

// sendLocked submits an outbound record message through the bound sender.
// Ownership of the message transfers on success.
func (t *SecureTransport) sendLocked(msg *message.Message, peer netip.AddrPort) error {
	switch {
	case t.udp != nil:
		if err := t.udp.Send(msg.Bytes(), peer); err != nil {
			return err
		}
		msg.Free()
		return nil
	case t.send != nil:
		return t.send(msg, peer)
	default:
		return ErrInvalidState
	}
}

// noteDisconnectLocked records the disconnect time for the admission guard.
func (t *SecureTransport) noteDisconnectLocked() {
	t.lastDisconnect = t.clock()
	t.haveDisconnect = true
}

// engineConfigLocked assembles the engine configuration for one handshake
// from the installed key material. Certificate material takes precedence
// over a PSK.
func (t *SecureTransport) engineConfigLocked(role Role) (EngineConfig, error) {
	config := EngineConfig{
		Role:             role,
		VerifyPeer:       t.verifyPeer,
		MaxContentLength: t.maxContent,
	}

	switch {
	case t.certificate != nil:
		config.CipherSuite = t.certSuite
		config.Certificate = t.certificate
		config.PrivateKey = t.privateKey
		config.CaChain = t.caChain
	case len(t.psk) > 0:
		config.CipherSuite = CipherSuitePskWithAes128Ccm8
		config.Psk = t.psk
		config.PskIdentity = t.pskIdentity
	default:
		return EngineConfig{}, ErrInvalidState
	}

	if role == RoleServer {
		secret := make([]byte, cookieSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return EngineConfig{}, err
		}
		config.CookieSecret = secret
	}

	return config, nil
}
