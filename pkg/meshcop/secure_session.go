package meshcop

import (
	"errors"
	"net/netip"
	"time"

	"github.com/threadmesh/go-thread/pkg/message"
)

// ReceiveHandler delivers decrypted application data. It runs on the
// session's dispatch path and must not re-enter the session; calling
// inspectors is allowed.
type ReceiveHandler func(data []byte)

// ConnectHandler reports session transitions. Same re-entrance rules as
// ReceiveHandler.
type ConnectHandler func(event ConnectEvent)

// SecureSession drives one (D)TLS handshake and data exchange over its
// owning transport. It adapts between the engine's Bio callbacks and the
// message-based transport, and owns the two-milestone handshake timer.
//
// Exactly one session exists per transport and at most one connection is
// active at a time. All operations are serialized on the transport.
type SecureSession struct {
	transport *SecureTransport

	state SessionState
	role  Role
	peer  netip.AddrPort

	// pendingRx is the inbound record buffer handed over by the transport
	// and consumed by the engine's Receive callback.
	pendingRx *message.Message

	// Two-milestone handshake timer, armed on behalf of the engine.
	timerIntermediate time.Time
	timerFinish       time.Time
	timerSet          bool
	timer             *time.Timer

	// subType tags outbound records while a Send is in flight.
	subType message.SubType

	receiveCb ReceiveHandler
	connectCb ConnectHandler

	readBuf []byte
}

func newSecureSession(t *SecureTransport, receive ReceiveHandler, connect ConnectHandler) *SecureSession {
	return &SecureSession{
		transport: t,
		state:     StateDisconnected,
		receiveCb: receive,
		connectCb: connect,
		readBuf:   make([]byte, t.appDataMax),
	}
}

// State returns the current session state.
func (s *SecureSession) State() SessionState {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	return s.state
}

// IsConnected returns true once the handshake has completed.
func (s *SecureSession) IsConnected() bool {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	return s.state == StateConnected
}

// IsConnectionActive returns true in any state other than Disconnected.
func (s *SecureSession) IsConnectionActive() bool {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	return s.state != StateDisconnected
}

// PeerAddr returns the peer address; valid from Connecting onward.
func (s *SecureSession) PeerAddr() netip.AddrPort {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	return s.peer
}

// SetConnectedCallback replaces the connect callback.
func (s *SecureSession) SetConnectedCallback(connect ConnectHandler) {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.connectCb = connect
}

// SetReceiveCallback replaces the receive callback.
func (s *SecureSession) SetReceiveCallback(receive ReceiveHandler) {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.receiveCb = receive
}

// Connect starts a client handshake toward peer. Valid only when the
// session is Disconnected and the transport is open and bound.
func (s *SecureSession) Connect(peer netip.AddrPort) error {
	s.transport.mu.Lock()
	var fired []func()

	if s.state != StateDisconnected || !s.transport.open || !s.transport.bound {
		s.transport.mu.Unlock()
		return ErrInvalidState
	}
	if !peer.IsValid() {
		s.transport.mu.Unlock()
		return ErrInvalidArgs
	}

	err := s.setupLocked(peer, RoleClient)
	if err == nil {
		s.processLocked(&fired)
	}
	s.transport.mu.Unlock()

	deliver(fired)
	return err
}

// Send encrypts and transmits the message payload. Valid only when
// Connected. On success the session takes ownership of the message and
// frees it; on failure the caller still owns it.
func (s *SecureSession) Send(msg *message.Message) error {
	s.transport.mu.Lock()
	var fired []func()
	err := s.sendLocked(msg, &fired)
	s.transport.mu.Unlock()

	deliver(fired)
	return err
}

func (s *SecureSession) sendLocked(msg *message.Message, fired *[]func()) error {
	if s.state != StateConnected {
		return ErrInvalidState
	}
	if msg.Length() > s.transport.appDataMax {
		return ErrNoBufs
	}

	s.subType = msg.SubType()
	_, err := s.transport.engine.Write(msg.Bytes())
	s.subType = message.SubTypeNone

	switch {
	case err == nil:
		msg.Free()
		return nil
	case errors.Is(err, ErrWantRead), errors.Is(err, ErrWantWrite):
		// Momentary; the caller keeps the message and may retry.
		return ErrNoBufs
	default:
		s.disconnectLocked(EventDisconnectedError, fired)
		return ErrInvalidState
	}
}

// Disconnect tears the connection down, sending a close-notify when
// Connected. The connect callback receives DisconnectedLocalClosed.
func (s *SecureSession) Disconnect() {
	s.transport.mu.Lock()
	var fired []func()
	s.disconnectLocked(EventDisconnectedLocalClosed, &fired)
	s.transport.mu.Unlock()

	deliver(fired)
}

// setupLocked installs peer info, sets up the engine for the given role and
// advances Initializing -> Connecting.
func (s *SecureSession) setupLocked(peer netip.AddrPort, role Role) error {
	s.state = StateInitializing
	s.role = role

	config, err := s.transport.engineConfigLocked(role)
	if err != nil {
		s.state = StateDisconnected
		return err
	}
	if err := s.transport.engine.Setup(s, config); err != nil {
		s.state = StateDisconnected
		return err
	}

	s.peer = peer
	s.state = StateConnecting

	if s.transport.log != nil {
		s.transport.log.Debugf("session %s handshake with %v", role, peer)
	}
	return nil
}

// handleReceiveLocked buffers an inbound datagram and runs a process step.
func (s *SecureSession) handleReceiveLocked(data []byte, fired *[]func()) {
	if s.pendingRx == nil {
		msg, err := s.transport.pool.NewFromBytes(data)
		if err != nil {
			if s.transport.log != nil {
				s.transport.log.Warnf("dropping datagram: %v", err)
			}
			return
		}
		s.pendingRx = msg
	} else if err := s.pendingRx.AppendBytes(data); err != nil {
		if s.transport.log != nil {
			s.transport.log.Warnf("dropping datagram: %v", err)
		}
		return
	}

	s.processLocked(fired)
}

// processLocked is the cooperative step: it runs the handshake or the read
// path until the engine yields, and queues callbacks to fire after the lock
// is released.
func (s *SecureSession) processLocked(fired *[]func()) {
	switch s.state {
	case StateConnecting:
		err := s.transport.engine.Handshake()
		switch {
		case err == nil:
			s.state = StateConnected
			if s.transport.log != nil {
				s.transport.log.Infof("session connected to %v", s.peer)
			}
			if cb := s.connectCb; cb != nil {
				*fired = append(*fired, func() { cb(EventConnected) })
			}
			s.readLocked(fired)
		case errors.Is(err, ErrWantRead), errors.Is(err, ErrWantWrite):
			// Yield; resumed by the next datagram or timer tick.
		case errors.Is(err, ErrPeerClosed):
			s.disconnectLocked(EventDisconnectedPeerClosed, fired)
		default:
			if s.transport.log != nil {
				s.transport.log.Warnf("handshake failed: %v", err)
			}
			s.disconnectLocked(EventDisconnectedError, fired)
		}

	case StateConnected:
		s.readLocked(fired)
	}
}

// readLocked drains decrypted application data and queues deliveries.
func (s *SecureSession) readLocked(fired *[]func()) {
	for s.state == StateConnected {
		n, err := s.transport.engine.Read(s.readBuf)
		switch {
		case err == nil:
			if n == 0 {
				continue
			}
			if cb := s.receiveCb; cb != nil {
				data := make([]byte, n)
				copy(data, s.readBuf[:n])
				*fired = append(*fired, func() { cb(data) })
			}
		case errors.Is(err, ErrWantRead), errors.Is(err, ErrWantWrite):
			return
		case errors.Is(err, ErrPeerClosed):
			s.disconnectLocked(EventDisconnectedPeerClosed, fired)
			return
		default:
			if s.transport.log != nil {
				s.transport.log.Warnf("record processing failed: %v", err)
			}
			s.disconnectLocked(EventDisconnectedError, fired)
			return
		}
	}
}

// disconnectLocked tears down to Disconnected, recording the disconnect
// time for the transport's admission guard. Exactly one disconnect event is
// queued when the session was not already Disconnected.
func (s *SecureSession) disconnectLocked(event ConnectEvent, fired *[]func()) {
	if s.state == StateDisconnected {
		return
	}

	if s.state == StateConnected && event == EventDisconnectedLocalClosed {
		s.state = StateDisconnecting
		if err := s.transport.engine.SendCloseNotify(); err != nil && s.transport.log != nil {
			s.transport.log.Debugf("close-notify not sent: %v", err)
		}
	}

	s.state = StateDisconnected
	s.stopTimerLocked()
	if s.pendingRx != nil {
		s.pendingRx.Free()
		s.pendingRx = nil
	}
	s.transport.engine.Reset()
	s.peer = netip.AddrPort{}
	s.transport.noteDisconnectLocked()

	if s.transport.log != nil {
		s.transport.log.Infof("session disconnected: %s", event)
	}
	if cb := s.connectCb; cb != nil {
		*fired = append(*fired, func() { cb(event) })
	}
}

// handleTimer runs a process step after a timer milestone elapses.
func (s *SecureSession) handleTimer() {
	s.transport.mu.Lock()
	var fired []func()
	s.processLocked(&fired)
	if s.timerSet && s.transport.clock().Before(s.timerFinish) {
		s.armTimerLocked()
	}
	s.transport.mu.Unlock()

	deliver(fired)
}

// Receive implements Bio. It pops bytes from the pending inbound message,
// returning ErrWantRead when nothing is buffered.
func (s *SecureSession) Receive(p []byte) (int, error) {
	if s.pendingRx == nil || s.pendingRx.Length() == 0 {
		return 0, ErrWantRead
	}

	n := s.pendingRx.ReadBytes(0, p)
	s.pendingRx.RemoveHeader(n)
	if s.pendingRx.Length() == 0 {
		s.pendingRx.Free()
		s.pendingRx = nil
	}
	return n, nil
}

// Transmit implements Bio. It wraps the engine's bytes in a message tagged
// with the current sub-type and submits it through the bound sender.
func (s *SecureSession) Transmit(p []byte) (int, error) {
	msg, err := s.transport.pool.NewFromBytes(p)
	if err != nil {
		return 0, ErrWantWrite
	}
	msg.SetSubType(s.subType)

	if err := s.transport.sendLocked(msg, s.peer); err != nil {
		msg.Free()
		return 0, ErrWantWrite
	}
	return len(p), nil
}

// SetTimer implements Bio. A zero finish disarms; otherwise the underlying
// single-shot timer is re-armed at the earlier milestone.
func (s *SecureSession) SetTimer(intermediate, finish time.Duration) {
	if finish == 0 {
		s.stopTimerLocked()
		return
	}

	now := s.transport.clock()
	s.timerIntermediate = now.Add(intermediate)
	s.timerFinish = now.Add(finish)
	s.timerSet = true
	s.armTimerLocked()
}

// TimerState implements Bio.
func (s *SecureSession) TimerState() TimerState {
	if !s.timerSet {
		return TimerCancelled
	}

	now := s.transport.clock()
	if !now.Before(s.timerFinish) {
		return TimerFinish
	}
	if !now.Before(s.timerIntermediate) {
		return TimerIntermediate
	}
	return TimerPending
}

// armTimerLocked re-arms the underlying timer at the next milestone still
// in the future.
func (s *SecureSession) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	now := s.transport.clock()
	next := s.timerFinish
	if s.timerIntermediate.After(now) && s.timerIntermediate.Before(next) {
		next = s.timerIntermediate
	}

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.handleTimer)
}

func (s *SecureSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSet = false
}

// deliver runs queued callbacks outside the transport lock, in order.
func deliver(fired []func()) {
	for _, f := range fired {
		f()
	}
}
