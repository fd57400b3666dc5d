package meshcop

import (
	"net/netip"

	"github.com/threadmesh/go-thread/pkg/message"
)

// Dtls couples one SecureTransport with its single SecureSession and the
// Extension overlay, presenting the one-session-per-transport datagram
// surface as a single handle.
type Dtls struct {
	transport *SecureTransport
	extension *Extension
}

// NewDtls creates a closed DTLS handle.
func NewDtls(config SecureTransportConfig) (*Dtls, error) {
	t, err := NewSecureTransport(config)
	if err != nil {
		return nil, err
	}
	return &Dtls{transport: t, extension: NewExtension(t)}, nil
}

// Transport returns the underlying secure transport.
func (d *Dtls) Transport() *SecureTransport { return d.transport }

// Extension returns the cipher-configuration overlay.
func (d *Dtls) Extension() *Extension { return d.extension }

// Session returns the single session. Valid after Open.
func (d *Dtls) Session() *SecureSession { return d.transport.Session() }

// Open opens the transport with the given callbacks.
func (d *Dtls) Open(receive ReceiveHandler, connect ConnectHandler) error {
	return d.transport.Open(receive, connect)
}

// Bind attaches to a UDP port.
func (d *Dtls) Bind(port uint16) error { return d.transport.Bind(port) }

// Connect starts a client handshake toward peer.
func (d *Dtls) Connect(peer netip.AddrPort) error { return d.transport.Connect(peer) }

// Send encrypts and transmits a message on the session.
func (d *Dtls) Send(msg *message.Message) error {
	session := d.transport.Session()
	if session == nil {
		return ErrInvalidState
	}
	return session.Send(msg)
}

// Disconnect tears down the active connection.
func (d *Dtls) Disconnect() {
	if session := d.transport.Session(); session != nil {
		session.Disconnect()
	}
}

// Close closes the transport.
func (d *Dtls) Close() error { return d.transport.Close() }
