package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/threadmesh/go-thread/pkg/crypto"
)

// Record wire format: [type:1][epoch:1][seq:8][len:2][payload]. Epoch 0
// records are plaintext handshake flights; epoch 1 records are protected
// with the negotiated AEAD, the header serving as associated data.
const (
	recordHeaderSize = 12

	epochPlaintext byte = 0
	epochProtected byte = 1
)

// Record content types, following the TLS registry values.
const (
	typeAlert           byte = 21
	typeHandshake       byte = 22
	typeApplicationData byte = 23
)

// Handshake message types carried in typeHandshake records.
const (
	msgClientHello        byte = 1
	msgServerHello        byte = 2
	msgHelloVerifyRequest byte = 3
	msgFinished           byte = 20
)

// alertCloseNotify is the single alert payload the engine emits.
const alertCloseNotify byte = 0

type record struct {
	typ     byte
	epoch   byte
	seq     uint64
	payload []byte
}

func encodeRecordHeader(typ, epoch byte, seq uint64, length int) []byte {
	hdr := make([]byte, recordHeaderSize)
	hdr[0] = typ
	hdr[1] = epoch
	binary.BigEndian.PutUint64(hdr[2:10], seq)
	binary.BigEndian.PutUint16(hdr[10:12], uint16(length))
	return hdr
}

// cipherState protects one direction of the connection.
type cipherState struct {
	aead cipher.AEAD
	iv   []byte // implicit nonce prefix; completed with the record seq
}

// newCipherState builds the AEAD for one direction. CCM-8 uses a 13-byte
// nonce (5-byte IV), GCM a 12-byte nonce (4-byte IV).
func newCipherState(key, iv []byte, gcm bool) (*cipherState, error) {
	if gcm {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return &cipherState{aead: aead, iv: iv}, nil
	}

	ccm, err := crypto.NewCCM(key)
	if err != nil {
		return nil, err
	}
	return &cipherState{aead: ccmAEAD{ccm}, iv: iv}, nil
}

func (c *cipherState) nonce(seq uint64) []byte {
	nonce := make([]byte, len(c.iv)+8)
	copy(nonce, c.iv)
	binary.BigEndian.PutUint64(nonce[len(c.iv):], seq)
	return nonce
}

func (c *cipherState) seal(hdr []byte, seq uint64, plaintext []byte) []byte {
	return c.aead.Seal(nil, c.nonce(seq), plaintext, hdr)
}

func (c *cipherState) open(hdr []byte, seq uint64, ciphertext []byte) ([]byte, error) {
	return c.aead.Open(nil, c.nonce(seq), ciphertext, hdr)
}

// ccmAEAD adapts the CCM primitive to the cipher.AEAD shape the record
// layer uses for both suites.
type ccmAEAD struct {
	ccm *crypto.CCM
}

func (a ccmAEAD) NonceSize() int { return crypto.CCMNonceSize }

func (a ccmAEAD) Overhead() int { return a.ccm.MicSize() }

func (a ccmAEAD) Seal(dst, nonce, plaintext, aad []byte) []byte {
	out, err := a.ccm.Seal(nonce, plaintext, aad)
	if err != nil {
		// Reachable only with a wrong-size nonce, which the record layer
		// never produces.
		panic(err)
	}
	return append(dst, out...)
}

func (a ccmAEAD) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	out, err := a.ccm.Open(nonce, ciphertext, aad)
	if err != nil {
		return nil, err
	}
	return append(dst, out...), nil
}
