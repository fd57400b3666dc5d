// Package csl implements the Coordinated Sampled Listening transmit
// scheduler. Sleepy children advertise a sample schedule (period, phase,
// channel, reference timestamp) through received CSL IEs; the scheduler
// predicts each child's next receive window, selects the child whose
// window comes earliest, and arms a MAC frame request just far enough
// ahead of that window to prepare the frame.
package csl

import (
	"sync"

	"github.com/pion/logging"

	"github.com/threadmesh/go-thread/pkg/mac"
	"github.com/threadmesh/go-thread/pkg/message"
)

const (
	// UnitUs is the CSL unit of time, ten symbol periods.
	UnitUs = 160

	// PhrDurationUs is the PHY header duration. A frame-start timestamp
	// plus PhrDurationUs gives the radio time of the MAC header first
	// symbol, which is the schedule reference.
	PhrDurationUs = 32

	// TxAheadUs is how far before the target sample instant the
	// transmitter must begin the preamble. CCA completes before this.
	TxAheadUs = 192

	// DefaultFrameRequestAheadUs is the platform minimum lead time for
	// arming a frame request, before bus figures are added.
	DefaultFrameRequestAheadUs = 2000

	// DefaultFramePreparationGuardUs protects the window comparison
	// against jitter in frame assembly.
	DefaultFramePreparationGuardUs = 1500

	// DefaultMaxFrameAttempts is the per-frame attempt budget.
	DefaultMaxFrameAttempts = 4
)

// FrameDoneHandler receives the final outcome for a pinned indirect
// frame: an acknowledged transmission, a give-up after the attempt
// budget is spent, or TxErrorAbort when a newer frame replaced it.
// Ownership of msg transfers to the handler.
type FrameDoneHandler func(neighbor *Neighbor, msg *message.Message, txErr mac.TxError)

// SchedulerConfig collects the parameters for a Scheduler.
type SchedulerConfig struct {
	// Radio is the platform radio driving frame requests. Required.
	Radio mac.Radio

	// RadioNow returns the current radio time in microseconds. Required.
	RadioNow func() uint64

	// PanChannel is the channel used when a neighbor advertises channel
	// 0 in its CSL IE.
	PanChannel uint8

	// FrameRequestAheadUs is the minimum lead time for frame requests.
	// Defaults to DefaultFrameRequestAheadUs. Bus transfer time and
	// latency are added on top by UpdateFrameRequestAhead.
	FrameRequestAheadUs uint32

	// GuardIntervalUs is the frame-preparation guard added when testing
	// a window against now. Defaults to DefaultFramePreparationGuardUs.
	GuardIntervalUs uint32

	// MaxFrameAttempts caps retries per frame, at most MaxTxAttempts.
	// Defaults to DefaultMaxFrameAttempts.
	MaxFrameAttempts uint8

	// FrameDone receives final frame outcomes. When nil, the scheduler
	// frees the message itself.
	FrameDone FrameDoneHandler

	// LoggerFactory customizes logging.
	LoggerFactory logging.LoggerFactory
}

// Scheduler owns the single armed CSL transmission. It pins exactly one
// outbound message while a slot is armed and releases it on ack or final
// failure.
type Scheduler struct {
	mu sync.Mutex

	radio       mac.Radio
	radioNow    func() uint64
	panChannel  uint8
	aheadBase   uint32
	aheadUs     uint32
	guardUs     uint32
	maxAttempts uint8
	frameDone   FrameDoneHandler
	log         logging.LeveledLogger

	neighbors []*Neighbor

	txNeighbor        *Neighbor
	txMessage         *message.Message
	txInstant         uint64 // armed sample window, radio time
	txDelayFromLastRx uint32
}

// NewScheduler creates a Scheduler and performs the initial
// frame-request-ahead computation from the radio's bus figures.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Radio == nil || config.RadioNow == nil {
		return nil, ErrInvalidArgs
	}
	if config.MaxFrameAttempts > MaxTxAttempts {
		return nil, ErrInvalidArgs
	}

	s := &Scheduler{
		radio:       config.Radio,
		radioNow:    config.RadioNow,
		panChannel:  config.PanChannel,
		aheadBase:   config.FrameRequestAheadUs,
		guardUs:     config.GuardIntervalUs,
		maxAttempts: config.MaxFrameAttempts,
		frameDone:   config.FrameDone,
	}
	if s.aheadBase == 0 {
		s.aheadBase = DefaultFrameRequestAheadUs
	}
	if s.guardUs == 0 {
		s.guardUs = DefaultFramePreparationGuardUs
	}
	if s.maxAttempts == 0 {
		s.maxAttempts = DefaultMaxFrameAttempts
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("csl")
	}

	s.updateFrameRequestAheadLocked()
	return s, nil
}

// AddNeighbor registers a neighbor with the scheduler.
func (s *Scheduler) AddNeighbor(n *Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors = append(s.neighbors, n)
}

// RemoveNeighbor unregisters a neighbor. A selection pointing at it is
// cancelled.
func (s *Scheduler) RemoveNeighbor(n *Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cand := range s.neighbors {
		if cand == n {
			s.neighbors = append(s.neighbors[:i], s.neighbors[i+1:]...)
			break
		}
	}
	if s.txNeighbor == n {
		s.txNeighbor = nil
		s.txMessage = nil
		s.radio.CancelCslFrame()
	}
}

// SetPendingFrame pins msg as the neighbor's indirect frame and reruns
// the selection. A message already pinned for the neighbor is released
// through the frame-done handler with TxErrorAbort; its spent attempts
// do not carry over to the new frame.
func (s *Scheduler) SetPendingFrame(n *Neighbor, msg *message.Message) {
	s.mu.Lock()
	var fired []func()

	if old := n.IndirectMessage(); old != nil && old != msg {
		if s.txNeighbor == n {
			s.txNeighbor = nil
			s.txMessage = nil
			s.radio.CancelCslFrame()
		}
		n.resetTxAttempts()
		if cb := s.frameDone; cb != nil {
			fired = append(fired, func() { cb(n, old, mac.TxErrorAbort) })
		} else {
			old.Free()
		}
	}

	n.SetIndirectMessage(msg)
	s.updateLocked()
	s.mu.Unlock()

	for _, f := range fired {
		f()
	}
}

// Update rescans synchronized neighbors with pending frames, picks the
// one whose next sample window is earliest, and arms a frame request at
// the computed delay. Repeated calls with unchanged inputs converge on
// the same selection.
func (s *Scheduler) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked()
}

func (s *Scheduler) updateLocked() {
	var (
		best          *Neighbor
		bestDelay     uint32
		bestFromRx    uint32
		haveSelection bool
	)

	for _, n := range s.neighbors {
		if !n.IsCslSynchronized() || n.IndirectMessage() == nil {
			continue
		}
		delay, fromRx, err := s.nextTxDelayLocked(n, s.aheadUs)
		if err != nil {
			continue
		}
		if !haveSelection || delay < bestDelay {
			best, bestDelay, bestFromRx = n, delay, fromRx
			haveSelection = true
		}
	}

	if best != s.txNeighbor && s.txNeighbor != nil {
		// An in-flight tx for the old selection completes with
		// TxErrorAbort and finds the tx-neighbor cleared, so it is
		// not counted as an attempt.
		s.txNeighbor = nil
		s.txMessage = nil
		s.radio.CancelCslFrame()
	}
	if !haveSelection {
		return
	}

	s.txNeighbor = best
	s.txMessage = best.IndirectMessage()
	s.txInstant = s.radioNow() + uint64(bestDelay) + uint64(s.aheadUs)
	s.txDelayFromLastRx = bestFromRx

	if err := s.radio.RequestCslFrame(bestDelay); err != nil {
		if s.log != nil {
			s.log.Warnf("frame request for %s failed: %v", best.ExtAddr(), err)
		}
		s.txNeighbor = nil
		s.txMessage = nil
		return
	}
	if s.log != nil {
		s.log.Tracef("armed csl tx to %s in %dus (window in %dus)",
			best.ExtAddr(), bestDelay, bestDelay+s.aheadUs)
	}
}

// GetNextCslTransmissionDelay computes when the frame for n must be
// handed to the MAC, as a delay from now in microseconds. It also
// returns the elapsed delay of the chosen sample window since the
// neighbor's schedule reference, for diagnostics.
func (s *Scheduler) GetNextCslTransmissionDelay(n *Neighbor, aheadUs uint32) (delayUs, delayFromLastRx uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTxDelayLocked(n, aheadUs)
}

// nextTxDelayLocked picks the earliest sample window
// lastRx + UnitUs*(n*period + phase) that lies at least aheadUs plus the
// preparation guard in the future, and returns the hand-to-MAC delay
// window - now - aheadUs.
func (s *Scheduler) nextTxDelayLocked(n *Neighbor, aheadUs uint32) (delayUs, delayFromLastRx uint32, err error) {
	if !n.IsCslSynchronized() {
		return 0, 0, ErrNotSynchronized
	}

	periodUs := uint64(n.CslPeriod()) * UnitUs
	now := s.radioNow()
	firstWindow := n.LastRxTimestamp() + uint64(n.CslPhase())*UnitUs

	window := now - now%periodUs + firstWindow%periodUs
	for window < now+uint64(aheadUs)+uint64(s.guardUs) {
		window += periodUs
	}

	return uint32(window - now - uint64(aheadUs)), uint32(window - n.LastRxTimestamp()), nil
}

// HandleFrameRequest is invoked by the MAC when the radio is ready for
// the armed transmission. It formats the pinned message into the
// caller's buffer set and returns the prepared frame, or nil when no
// message is pinned or the window has been missed.
func (s *Scheduler) HandleFrameRequest(frames *mac.TxFrames) *mac.TxFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.txNeighbor
	if n == nil || s.txMessage == nil {
		return nil
	}

	now := s.radioNow()
	if now+uint64(s.aheadUs) > s.txInstant {
		if s.log != nil {
			s.log.Debugf("csl window for %s missed, skipping slot", n.ExtAddr())
		}
		return nil
	}

	frame := frames.Prepare()
	frame.SetDstAddr(n.ShortAddr(), n.ExtAddr())

	channel := n.CslChannel()
	if channel == 0 {
		channel = s.panChannel
	}
	frame.SetChannel(channel)

	payload := make([]byte, s.txMessage.Length())
	s.txMessage.ReadBytes(0, payload)
	frame.SetPayload(payload)

	// Restamp the phase from the current radio time so the IE reflects
	// the remaining offset to the window, not the offset at arm time.
	phaseUnits := uint16((s.txInstant - now) / UnitUs % uint64(n.CslPeriod()))
	frame.SetCslIE(n.CslPeriod(), phaseUnits)
	frame.SetTxDelay(n.LastRxTimestamp(), s.txDelayFromLastRx)
	frame.SetCsmaCaEnabled(false)
	return frame
}

// HandleSentFrame is invoked after radio completion. An acknowledged
// frame is released through the frame-done handler; retryable errors
// consume the attempt budget; aborted transmissions are not counted.
func (s *Scheduler) HandleSentFrame(frame *mac.TxFrame, txErr mac.TxError) {
	s.mu.Lock()
	var fired []func()

	n := s.txNeighbor
	switch {
	case n == nil:
		// Aborted by a reselection; not counted.
	case txErr == mac.TxErrorNone:
		n.resetTxAttempts()
		s.releaseLocked(n, mac.TxErrorNone, &fired)
	case txErr.IsRetryable():
		n.incrementTxAttempts()
		if s.log != nil {
			s.log.Debugf("csl tx to %s failed (%s), attempt %d/%d",
				n.ExtAddr(), txErr, n.TxAttempts(), s.maxAttempts)
		}
		if n.TxAttempts() >= s.maxAttempts {
			n.resetTxAttempts()
			s.releaseLocked(n, txErr, &fired)
		}
	default:
		// TxErrorAbort with a live selection: slot lost, not counted.
	}

	s.updateLocked()
	s.mu.Unlock()

	for _, f := range fired {
		f()
	}
}

// releaseLocked unpins the neighbor's message and queues the frame-done
// notification.
func (s *Scheduler) releaseLocked(n *Neighbor, txErr mac.TxError, fired *[]func()) {
	msg := s.txMessage
	n.SetIndirectMessage(nil)
	s.txNeighbor = nil
	s.txMessage = nil

	if msg == nil {
		return
	}
	if cb := s.frameDone; cb != nil {
		*fired = append(*fired, func() { cb(n, msg, txErr) })
	} else {
		msg.Free()
	}
}

// UpdateFrameRequestAhead recomputes the frame-request lead time from the
// radio's bus speed and latency. Called when the platform reports a
// change to either.
func (s *Scheduler) UpdateFrameRequestAhead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateFrameRequestAheadLocked()
}

func (s *Scheduler) updateFrameRequestAheadLocked() {
	var busTxUs uint32
	if speed := s.radio.BusSpeed(); speed > 0 {
		bits := uint64(mac.MaxFrameSize) * 8 * 1_000_000
		busTxUs = uint32((bits + uint64(speed) - 1) / uint64(speed))
	}
	s.aheadUs = s.aheadBase + busTxUs + s.radio.BusLatency()
}

// FrameRequestAheadUs returns the current frame-request lead time.
func (s *Scheduler) FrameRequestAheadUs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aheadUs
}

// TxNeighbor returns the currently selected neighbor, or nil.
func (s *Scheduler) TxNeighbor() *Neighbor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txNeighbor
}

// Clear cancels any armed request, drops the selection and zeroes the
// attempt counters on all neighbors. Pinned indirect messages stay with
// their neighbors; the indirect sender decides their fate on role
// change.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txNeighbor != nil {
		s.radio.CancelCslFrame()
	}
	s.txNeighbor = nil
	s.txMessage = nil
	for _, n := range s.neighbors {
		n.resetTxAttempts()
	}
}
