// Package message provides the buffer abstraction shared by the secure
// transport and the CSL transmit scheduler.
//
// A Message is an owned byte buffer with an explicit take/give ownership
// protocol: whoever holds the message is responsible for freeing it, and
// operations that accept a message document whether ownership transfers on
// success. Messages are allocated from a Pool with a bounded number of
// outstanding buffers, so allocation failure surfaces as ErrNoBufs rather
// than unbounded growth on a constrained node.
package message

// SubType tags a message with a hint for lower layers (queue priority,
// link-layer security selection). It mirrors the sub-types the mesh
// forwarder distinguishes for secured commissioning traffic.
type SubType int

const (
	// SubTypeNone marks ordinary application data.
	SubTypeNone SubType = iota

	// SubTypeJoinerEntrust marks a record that carries joiner entrust
	// material and must be sent with link-layer security disabled.
	SubTypeJoinerEntrust

	// SubTypeJoinerFinalizeResponse marks the final commissioning response
	// so the lower layers can flush it ahead of tearing the session down.
	SubTypeJoinerFinalizeResponse
)

// String returns a human-readable name for the sub-type.
func (s SubType) String() string {
	switch s {
	case SubTypeNone:
		return "None"
	case SubTypeJoinerEntrust:
		return "JoinerEntrust"
	case SubTypeJoinerFinalizeResponse:
		return "JoinerFinalizeResponse"
	default:
		return "Unknown"
	}
}

// Message is an owned byte buffer.
//
// The zero value is not usable; allocate messages from a Pool.
type Message struct {
	pool    *Pool
	buf     []byte
	subType SubType
	freed   bool
}

// Length returns the number of payload bytes in the message.
func (m *Message) Length() int {
	return len(m.buf)
}

// Bytes returns the message payload. The returned slice aliases the
// message's internal buffer and is only valid until Free.
func (m *Message) Bytes() []byte {
	return m.buf
}

// AppendBytes appends b to the message payload.
func (m *Message) AppendBytes(b []byte) error {
	if m.pool != nil && m.pool.maxLength > 0 && len(m.buf)+len(b) > m.pool.maxLength {
		return ErrNoBufs
	}
	m.buf = append(m.buf, b...)
	return nil
}

// ReadBytes copies payload bytes starting at offset into dst and returns the
// number of bytes copied. Reading at or past the end returns 0.
func (m *Message) ReadBytes(offset int, dst []byte) int {
	if offset < 0 || offset >= len(m.buf) {
		return 0
	}
	return copy(dst, m.buf[offset:])
}

// RemoveHeader discards n bytes from the front of the payload.
func (m *Message) RemoveHeader(n int) {
	if n > len(m.buf) {
		n = len(m.buf)
	}
	m.buf = m.buf[n:]
}

// SetSubType tags the message for lower layers.
func (m *Message) SetSubType(subType SubType) {
	m.subType = subType
}

// SubType returns the message's sub-type tag.
func (m *Message) SubType() SubType {
	return m.subType
}

// Free returns the message to its pool. Freeing twice is a no-op.
func (m *Message) Free() {
	if m == nil || m.freed {
		return
	}
	m.freed = true
	m.buf = nil
	if m.pool != nil {
		m.pool.release()
	}
}
