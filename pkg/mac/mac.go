// Package mac holds the small slice of the IEEE 802.15.4 MAC surface that
// the CSL transmit scheduler drives: link addresses, transmit frames with
// CSL header-IE stamping, and the radio contract used to arm delayed
// transmissions.
package mac

import "fmt"

// MaxFrameSize is aMaxPhyPacketSize, the largest PHY payload in bytes.
const MaxFrameSize = 127

// ShortAddr is a 16-bit link-layer address.
type ShortAddr uint16

const (
	// ShortAddrInvalid marks a device without an allocated short address.
	ShortAddrInvalid ShortAddr = 0xfffe
	// ShortAddrBroadcast is the 802.15.4 broadcast short address.
	ShortAddrBroadcast ShortAddr = 0xffff
)

// ExtAddr is a 64-bit extended (EUI-64) link-layer address.
type ExtAddr [8]byte

func (a ExtAddr) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x%02x%02x",
		a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7])
}

// TxError reports the outcome of a frame transmission.
type TxError int

const (
	// TxErrorNone means the frame was transmitted and acknowledged.
	TxErrorNone TxError = iota
	// TxErrorChannelAccessFailure means CCA did not find a clear channel.
	TxErrorChannelAccessFailure
	// TxErrorNoAck means the frame went out but no acknowledgement arrived.
	TxErrorNoAck
	// TxErrorAbort means the transmission was cancelled before the radio
	// committed to it.
	TxErrorAbort
)

func (e TxError) String() string {
	switch e {
	case TxErrorNone:
		return "none"
	case TxErrorChannelAccessFailure:
		return "channel-access-failure"
	case TxErrorNoAck:
		return "no-ack"
	case TxErrorAbort:
		return "abort"
	default:
		return fmt.Sprintf("tx-error(%d)", int(e))
	}
}

// IsRetryable reports whether the error counts against the per-frame
// attempt budget. Aborted transmissions do not.
func (e TxError) IsRetryable() bool {
	return e == TxErrorChannelAccessFailure || e == TxErrorNoAck
}

// Radio is the platform radio contract the CSL scheduler consumes. A
// request arms a frame-request callback at a future radio time; the
// bus figures feed the frame-request-ahead computation.
type Radio interface {
	// RequestCslFrame asks the radio to invoke the scheduler's
	// frame-request callback delayUs microseconds from now.
	RequestCslFrame(delayUs uint32) error

	// CancelCslFrame cancels a pending frame request. An already
	// in-flight transmission completes with TxErrorAbort.
	CancelCslFrame()

	// BusSpeed returns the host-to-radio bus throughput in bits per
	// second, or 0 when the bus transfer time is negligible.
	BusSpeed() uint32

	// BusLatency returns the fixed host-to-radio bus latency in
	// microseconds.
	BusLatency() uint32
}
