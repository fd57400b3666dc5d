package mac

// TxFrame is a prepared outbound frame. The scheduler fills in addressing,
// channel, payload and the CSL header IE; the radio layer consumes the
// result and reports completion with a TxError.
type TxFrame struct {
	dstShort ShortAddr
	dstExt   ExtAddr
	channel  uint8

	payload []byte

	cslPeriod uint16
	cslPhase  uint16

	txDelayBaseTime uint64
	txDelay         uint32

	csmaCaEnabled bool
	prepared      bool
}

// Reset clears the frame for reuse.
func (f *TxFrame) Reset() {
	*f = TxFrame{payload: f.payload[:0]}
}

// SetDstAddr sets the destination short and extended addresses.
func (f *TxFrame) SetDstAddr(short ShortAddr, ext ExtAddr) {
	f.dstShort = short
	f.dstExt = ext
}

// DstShortAddr returns the destination short address.
func (f *TxFrame) DstShortAddr() ShortAddr { return f.dstShort }

// DstExtAddr returns the destination extended address.
func (f *TxFrame) DstExtAddr() ExtAddr { return f.dstExt }

// SetChannel selects the TX channel.
func (f *TxFrame) SetChannel(channel uint8) { f.channel = channel }

// Channel returns the TX channel.
func (f *TxFrame) Channel() uint8 { return f.channel }

// SetPayload copies payload into the frame, truncating at MaxFrameSize.
func (f *TxFrame) SetPayload(payload []byte) {
	if len(payload) > MaxFrameSize {
		payload = payload[:MaxFrameSize]
	}
	f.payload = append(f.payload[:0], payload...)
}

// Payload returns the frame payload.
func (f *TxFrame) Payload() []byte { return f.payload }

// SetCslIE stamps the CSL header IE with the given period and phase, both
// in 10-symbol units.
func (f *TxFrame) SetCslIE(period, phase uint16) {
	f.cslPeriod = period
	f.cslPhase = phase
}

// CslPeriod returns the stamped CSL period in 10-symbol units.
func (f *TxFrame) CslPeriod() uint16 { return f.cslPeriod }

// CslPhase returns the stamped CSL phase in 10-symbol units.
func (f *TxFrame) CslPhase() uint16 { return f.cslPhase }

// SetTxDelay schedules the transmission txDelay microseconds after the
// radio-time base.
func (f *TxFrame) SetTxDelay(baseTime uint64, txDelay uint32) {
	f.txDelayBaseTime = baseTime
	f.txDelay = txDelay
}

// TxDelayBaseTime returns the radio-time base of the scheduled delay.
func (f *TxFrame) TxDelayBaseTime() uint64 { return f.txDelayBaseTime }

// TxDelay returns the scheduled delay from the base time in microseconds.
func (f *TxFrame) TxDelay() uint32 { return f.txDelay }

// SetCsmaCaEnabled controls CSMA/CA backoff for this frame. CSL
// transmissions disable it; the tx instant is already aligned to the
// receiver's sample window.
func (f *TxFrame) SetCsmaCaEnabled(enabled bool) { f.csmaCaEnabled = enabled }

// IsCsmaCaEnabled reports whether CSMA/CA backoff applies to this frame.
func (f *TxFrame) IsCsmaCaEnabled() bool { return f.csmaCaEnabled }

// markPrepared records that the scheduler populated this frame.
func (f *TxFrame) markPrepared() { f.prepared = true }

// IsPrepared reports whether the scheduler populated this frame.
func (f *TxFrame) IsPrepared() bool { return f.prepared }

// TxFrames is the buffer set the radio hands to the frame-request
// callback. The callback prepares at most one frame and returns it, or nil
// to skip the slot.
type TxFrames struct {
	frame TxFrame
}

// Frame returns the frame buffer to prepare.
func (t *TxFrames) Frame() *TxFrame { return &t.frame }

// Prepare resets the buffer and returns it marked as populated.
func (t *TxFrames) Prepare() *TxFrame {
	t.frame.Reset()
	t.frame.markPrepared()
	return &t.frame
}
