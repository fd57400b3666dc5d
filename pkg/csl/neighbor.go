package csl

import (
	"github.com/threadmesh/go-thread/pkg/mac"
	"github.com/threadmesh/go-thread/pkg/message"
)

// MaxTxAttempts is the ceiling on the per-frame attempt counter. The
// counter occupies seven bits.
const MaxTxAttempts = 127

// Neighbor is the scheduler's view of a sleepy child: its link addresses,
// the CSL schedule it last advertised, and the indirect frame pinned for
// it. A Neighbor is owned by a single Scheduler and mutated only from the
// dispatch goroutine driving that scheduler.
type Neighbor struct {
	shortAddr mac.ShortAddr
	extAddr   mac.ExtAddr

	cslPeriod       uint16 // 10-symbol units, 0 = no schedule
	cslPhase        uint16 // 10-symbol units
	cslChannel      uint8  // 0 = use the PAN channel
	cslSynchronized bool

	// lastRxTimestamp is the radio time, in microseconds, of the MAC
	// header first symbol of the frame whose CSL IE set the schedule.
	// Callers capturing a frame-start time add PhrDurationUs.
	lastRxTimestamp uint64

	txAttempts uint8
	pending    *message.Message
}

// NewNeighbor creates a neighbor with the given link addresses.
func NewNeighbor(short mac.ShortAddr, ext mac.ExtAddr) *Neighbor {
	return &Neighbor{shortAddr: short, extAddr: ext}
}

// ShortAddr returns the neighbor's short address.
func (n *Neighbor) ShortAddr() mac.ShortAddr { return n.shortAddr }

// ExtAddr returns the neighbor's extended address.
func (n *Neighbor) ExtAddr() mac.ExtAddr { return n.extAddr }

// UpdateCslSync installs the schedule advertised by a received CSL IE and
// marks the neighbor synchronized. lastRxTimestamp is the radio time of
// the MAC header first symbol of the carrying frame.
func (n *Neighbor) UpdateCslSync(period, phase uint16, channel uint8, lastRxTimestamp uint64) {
	n.cslPeriod = period
	n.cslPhase = phase
	n.cslChannel = channel
	n.lastRxTimestamp = lastRxTimestamp
	n.cslSynchronized = true
}

// SetCslSynchronized sets or clears the synchronization flag without
// touching the stored schedule.
func (n *Neighbor) SetCslSynchronized(synchronized bool) {
	n.cslSynchronized = synchronized
}

// IsCslSynchronized reports whether the neighbor can be scheduled: the
// sync flag is set and the advertised period is non-zero.
func (n *Neighbor) IsCslSynchronized() bool {
	return n.cslSynchronized && n.cslPeriod > 0
}

// CslPeriod returns the advertised period in 10-symbol units.
func (n *Neighbor) CslPeriod() uint16 { return n.cslPeriod }

// CslPhase returns the advertised phase in 10-symbol units.
func (n *Neighbor) CslPhase() uint16 { return n.cslPhase }

// CslChannel returns the advertised sample channel, 0 meaning the PAN
// channel.
func (n *Neighbor) CslChannel() uint8 { return n.cslChannel }

// LastRxTimestamp returns the stored schedule reference time.
func (n *Neighbor) LastRxTimestamp() uint64 { return n.lastRxTimestamp }

// TxAttempts returns the per-frame attempt counter.
func (n *Neighbor) TxAttempts() uint8 { return n.txAttempts }

func (n *Neighbor) incrementTxAttempts() {
	if n.txAttempts < MaxTxAttempts {
		n.txAttempts++
	}
}

func (n *Neighbor) resetTxAttempts() { n.txAttempts = 0 }

// SetIndirectMessage pins msg as the neighbor's pending indirect frame.
// The scheduler releases it through the frame-done callback on ack or
// final failure.
func (n *Neighbor) SetIndirectMessage(msg *message.Message) {
	n.pending = msg
}

// IndirectMessage returns the pinned indirect frame, or nil.
func (n *Neighbor) IndirectMessage() *message.Message { return n.pending }
