package transport

import (
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Pipe provides bidirectional in-memory datagram communication between two
// endpoints. It wraps pion's test.Bridge and adds loss simulation, giving
// deterministic, flaky-free tests without real network I/O.
//
// By default the pipe delivers queued datagrams from a background goroutine.
// Use SetAutoProcess(false) for manual control over delivery order.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	dropRate        float64
	rng             *rand.Rand
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic datagram delivery in a background
	// goroutine. Default: true.
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers queued
	// datagrams. Default: 1ms.
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if p.processInterval == 0 {
		p.processInterval = time.Millisecond
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic datagram delivery.
// When disabled, call Tick or Process manually.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// SetDropRate configures the probability of dropping each datagram (0.0-1.0),
// applied in both directions.
func (p *Pipe) SetDropRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropRate = rate
}

// Tick delivers one queued datagram in each direction (if available) and
// returns the number delivered.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued datagrams and returns the number delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	var firstErr error
	if err := p.bridge.GetConn0().Close(); err != nil {
		firstErr = err
	}
	if err := p.bridge.GetConn1().Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// pipeAddr implements net.Addr for pipe endpoints, carrying a synthetic
// unique-local IPv6 address so peer matching behaves as it does over UDP.
type pipeAddr struct {
	ap netip.AddrPort
}

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.ap.String() }

// PipePacketConn wraps one side of a Pipe as a net.PacketConn so it can be
// handed to NewUDP as a pre-existing connection.
type PipePacketConn struct {
	conn      net.Conn
	localAddr pipeAddr
	peerAddr  pipeAddr
	pipe      *Pipe
}

// NewPipePacketConnPair creates both sides of a pipe as packet connections
// with synthetic addresses [fd00::1]:port and [fd00::2]:port.
func NewPipePacketConnPair(pipe *Pipe, port uint16) (*PipePacketConn, *PipePacketConn) {
	addr0 := netip.AddrPortFrom(netip.MustParseAddr("fd00::1"), port)
	addr1 := netip.AddrPortFrom(netip.MustParseAddr("fd00::2"), port)

	c0 := &PipePacketConn{
		conn:      pipe.bridge.GetConn0(),
		localAddr: pipeAddr{addr0},
		peerAddr:  pipeAddr{addr1},
		pipe:      pipe,
	}
	c1 := &PipePacketConn{
		conn:      pipe.bridge.GetConn1(),
		localAddr: pipeAddr{addr1},
		peerAddr:  pipeAddr{addr0},
		pipe:      pipe,
	}
	return c0, c1
}

// ReadFrom reads a datagram from the pipe.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peerAddr, err
}

// WriteTo writes a datagram to the pipe. The addr parameter is ignored since
// the pipe has exactly one peer.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	if c.pipe != nil {
		c.pipe.mu.RLock()
		drop := c.pipe.dropRate > 0 && c.pipe.rng.Float64() < c.pipe.dropRate
		c.pipe.mu.RUnlock()
		if drop {
			return len(b), nil // silently dropped
		}
	}
	return c.conn.Write(b)
}

// Close closes the pipe connection.
func (c *PipePacketConn) Close() error { return c.conn.Close() }

// LocalAddr returns the synthetic local address.
func (c *PipePacketConn) LocalAddr() net.Addr { return c.localAddr }

// PeerAddrPort returns the synthetic address of the remote side.
func (c *PipePacketConn) PeerAddrPort() netip.AddrPort { return c.peerAddr.ap }

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Verify PipePacketConn implements net.PacketConn.
var _ net.PacketConn = (*PipePacketConn)(nil)
