package discovery

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/threadmesh/go-thread/pkg/mac"
)

// TXT record layout for the MeshCoP border-agent service, per the Thread
// border-agent discovery rules. Binary values are carried as raw bytes in
// the TXT value; the state bitmap is a 4-byte big-endian word.

// ConnectionMode is the commissioner connection mode advertised in the
// state bitmap.
type ConnectionMode uint8

const (
	// ConnectionModeDisabled means the agent accepts no commissioner.
	ConnectionModeDisabled ConnectionMode = 0
	// ConnectionModePskc means DTLS with the network PSKc.
	ConnectionModePskc ConnectionMode = 1
	// ConnectionModePskd means DTLS with a device PSKd.
	ConnectionModePskd ConnectionMode = 2
	// ConnectionModeVendor means a vendor-specific scheme.
	ConnectionModeVendor ConnectionMode = 3
	// ConnectionModeX509 means DTLS with X.509 certificates.
	ConnectionModeX509 ConnectionMode = 4
)

func (m ConnectionMode) String() string {
	switch m {
	case ConnectionModeDisabled:
		return "disabled"
	case ConnectionModePskc:
		return "pskc"
	case ConnectionModePskd:
		return "pskd"
	case ConnectionModeVendor:
		return "vendor"
	case ConnectionModeX509:
		return "x509"
	default:
		return fmt.Sprintf("connection-mode(%d)", uint8(m))
	}
}

// IsValid reports whether the mode is one of the defined values.
func (m ConnectionMode) IsValid() bool { return m <= ConnectionModeX509 }

// ThreadIfStatus is the Thread interface status advertised in the state
// bitmap.
type ThreadIfStatus uint8

const (
	// ThreadIfStatusNotInitialized means no Thread interface exists.
	ThreadIfStatusNotInitialized ThreadIfStatus = 0
	// ThreadIfStatusInitialized means the interface exists but is down.
	ThreadIfStatusInitialized ThreadIfStatus = 1
	// ThreadIfStatusActive means the interface participates in a network.
	ThreadIfStatusActive ThreadIfStatus = 2
)

func (s ThreadIfStatus) String() string {
	switch s {
	case ThreadIfStatusNotInitialized:
		return "not-initialized"
	case ThreadIfStatusInitialized:
		return "initialized"
	case ThreadIfStatusActive:
		return "active"
	default:
		return fmt.Sprintf("if-status(%d)", uint8(s))
	}
}

// Availability is the agent's availability class in the state bitmap.
type Availability uint8

const (
	// AvailabilityInfrequent means the agent is reachable only
	// sporadically.
	AvailabilityInfrequent Availability = 0
	// AvailabilityHigh means the agent is continuously reachable.
	AvailabilityHigh Availability = 1
)

// StateBitmap packs the agent state fields into the 4-byte `sb` value.
type StateBitmap struct {
	ConnectionMode ConnectionMode
	ThreadIfStatus ThreadIfStatus
	Availability   Availability
}

// Encode returns the bitmap as a 32-bit word: connection mode in bits
// 0-2, interface status in bits 3-4, availability in bits 5-6.
func (b StateBitmap) Encode() uint32 {
	return uint32(b.ConnectionMode)&0x07 |
		uint32(b.ThreadIfStatus)&0x03<<3 |
		uint32(b.Availability)&0x03<<5
}

// DecodeStateBitmap unpacks a 32-bit state word.
func DecodeStateBitmap(v uint32) StateBitmap {
	return StateBitmap{
		ConnectionMode: ConnectionMode(v & 0x07),
		ThreadIfStatus: ThreadIfStatus(v >> 3 & 0x03),
		Availability:   Availability(v >> 5 & 0x03),
	}
}

// maxNetworkNameLength is the Thread limit on network name bytes.
const maxNetworkNameLength = 16

// txtRecordVersion is the `rv` value this implementation emits.
const txtRecordVersion = "1"

// BorderAgentTXT carries the TXT fields of a `_meshcop._udp`
// advertisement.
type BorderAgentTXT struct {
	// ThreadVersion is the `tv` value, e.g. "1.4.0".
	ThreadVersion string

	// NetworkName is the `nn` value, at most 16 bytes.
	NetworkName string

	// ExtendedPanID is the `xp` value.
	ExtendedPanID [8]byte

	// ExtAddr is the agent's extended address, the `xa` value.
	ExtAddr mac.ExtAddr

	// AgentID is the stable 16-byte border-agent identifier, the `id`
	// value.
	AgentID [16]byte

	// VendorName and ModelName are the `vn` and `mn` values.
	VendorName string
	ModelName  string

	// DomainName is the optional `dn` value for Thread domains.
	DomainName string

	// State is encoded as the `sb` value.
	State StateBitmap
}

// Validate checks field limits before encoding.
func (t BorderAgentTXT) Validate() error {
	if t.ThreadVersion == "" {
		return fmt.Errorf("%w: missing thread version", ErrInvalidTXT)
	}
	if len(t.NetworkName) > maxNetworkNameLength {
		return fmt.Errorf("%w: network name %q exceeds %d bytes",
			ErrInvalidTXT, t.NetworkName, maxNetworkNameLength)
	}
	if !t.State.ConnectionMode.IsValid() {
		return fmt.Errorf("%w: connection mode %d", ErrInvalidTXT, t.State.ConnectionMode)
	}
	return nil
}

// Encode renders the TXT record set in key=value form.
func (t BorderAgentTXT) Encode() []string {
	var sb [4]byte
	binary.BigEndian.PutUint32(sb[:], t.State.Encode())

	txt := []string{
		"rv=" + txtRecordVersion,
		"tv=" + t.ThreadVersion,
		"sb=" + string(sb[:]),
		"xa=" + string(t.ExtAddr[:]),
		"id=" + string(t.AgentID[:]),
	}
	if t.NetworkName != "" {
		txt = append(txt, "nn="+t.NetworkName)
	}
	var zeroXpan [8]byte
	if t.ExtendedPanID != zeroXpan {
		txt = append(txt, "xp="+string(t.ExtendedPanID[:]))
	}
	if t.VendorName != "" {
		txt = append(txt, "vn="+t.VendorName)
	}
	if t.ModelName != "" {
		txt = append(txt, "mn="+t.ModelName)
	}
	if t.DomainName != "" {
		txt = append(txt, "dn="+t.DomainName)
	}
	return txt
}

// AgentIDString returns the agent identifier as lowercase hex, the form
// used in instance names.
func (t BorderAgentTXT) AgentIDString() string {
	return hex.EncodeToString(t.AgentID[:])
}
