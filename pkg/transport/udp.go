// Package transport provides the datagram endpoint underneath the secure
// transport: a UDP socket wrapper with a read loop and handler callback,
// and an in-memory pipe for deterministic tests.
package transport

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultPort is the default secure-session UDP port (CoAPS).
const DefaultPort = 5684

// MaxDatagramSize is the largest datagram the read loop accepts. DTLS
// records on the mesh are far smaller; this is the IPv6 minimum-MTU bound.
const MaxDatagramSize = 1280

// DatagramHandler is called for each received datagram.
type DatagramHandler func(data []byte, from netip.AddrPort)

// UDPConfig configures the UDP endpoint.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use. If nil, a new
	// connection is created listening on Port.
	Conn net.PacketConn

	// Port is the UDP port to listen on. Zero selects an ephemeral port.
	// Ignored if Conn is provided.
	Port uint16

	// Handler is called for each received datagram. Required.
	Handler DatagramHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDP is a datagram endpoint. It wraps a net.PacketConn and runs a read
// loop that calls the configured DatagramHandler for each datagram.
type UDP struct {
	conn    net.PacketConn
	handler DatagramHandler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewUDP creates a new UDP endpoint with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.Handler,
		closeCh: make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(config.Port)})
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start begins the read loop for receiving datagrams.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("starting UDP endpoint on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Stop closes the endpoint and waits for the read loop to exit. It must
// not be called from the datagram handler, which runs on the read-loop
// goroutine; use Shutdown there.
func (u *UDP) Stop() error {
	if err := u.Shutdown(); err != nil {
		return err
	}
	u.wg.Wait()
	return nil
}

// Shutdown closes the endpoint without waiting for the read loop to
// exit. The loop observes the closed channel and winds down on its own,
// so Shutdown is safe from inside the datagram handler.
func (u *UDP) Shutdown() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP endpoint")
	}

	close(u.closeCh)

	// Set a short deadline to unblock any pending read.
	u.conn.SetReadDeadline(time.Now())
	u.conn.Close()

	return nil
}

// Send sends a datagram to the specified peer.
func (u *UDP) Send(data []byte, peer netip.AddrPort) error {
	u.mu.RLock()
	if u.closed {
		u.mu.RUnlock()
		return ErrClosed
	}
	u.mu.RUnlock()

	if !peer.IsValid() {
		return ErrInvalidAddress
	}

	if len(data) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}

	if u.log != nil {
		u.log.Debugf("sending %d bytes to %v", len(data), peer)
	}

	_, err := u.conn.WriteTo(data, net.UDPAddrFromAddrPort(peer))
	if err != nil {
		if u.log != nil {
			u.log.Warnf("send failed: %v", err)
		}
		return err
	}

	return nil
}

// Port returns the local UDP port the endpoint is bound to.
func (u *UDP) Port() uint16 {
	return addrPort(u.conn.LocalAddr()).Port()
}

// LocalAddr returns the local address the endpoint is listening on.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// readLoop reads datagrams from the connection and dispatches them.
func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-u.closeCh:
			return
		default:
		}

		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
				if u.log != nil {
					u.log.Warnf("UDP read error: %v", err)
				}
				continue
			}
		}

		if n == 0 {
			continue
		}

		// The handler keeps the data past this iteration; copy it out.
		data := make([]byte, n)
		copy(data, buf[:n])

		if u.log != nil {
			u.log.Debugf("received %d bytes from %v", n, addr)
		}

		u.handler(data, addrPort(addr))
	}
}

// addrPort converts a net.Addr to a netip.AddrPort, unmapping IPv4-in-IPv6.
func addrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort()
	case pipeAddr:
		return a.ap
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return ap
	}
}
