// Package crypto provides the symmetric primitives the secure transport
// builds on: AES-128-CCM record protection (8-byte MICs, as used by the
// mesh cipher suites), HKDF-SHA256 key derivation, PBKDF2 passphrase
// stretching, and HMAC-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// AES-CCM parameters. The mesh cipher suites use AES-128 with 8-byte MICs
// and a 13-byte nonce (length field L=2 per NIST 800-38C).
const (
	// CCMKeySize is the AES-128 key size in bytes.
	CCMKeySize = 16

	// CCMMicSize is the MIC (authentication tag) size for the *-CCM-8 suites.
	CCMMicSize = 8

	// CCMNonceSize is the nonce size in bytes.
	CCMNonceSize = 13

	// ccmLenSize is the message-length field size (L); 15 - nonce size.
	ccmLenSize = 15 - CCMNonceSize

	blockSize = 16
)

// CCM errors.
var (
	ErrCCMKeySize    = errors.New("crypto: CCM key must be 16 bytes")
	ErrCCMNonceSize  = errors.New("crypto: CCM nonce must be 13 bytes")
	ErrCCMMicSize    = errors.New("crypto: CCM MIC size must be 4, 6, 8, 10, 12, 14, or 16")
	ErrCCMTooLong    = errors.New("crypto: CCM plaintext too long")
	ErrCCMTooShort   = errors.New("crypto: CCM ciphertext shorter than MIC")
	ErrCCMAuthFailed = errors.New("crypto: CCM authentication failed")
)

// CCM is an AES-128-CCM instance with a fixed 13-byte nonce and a
// configurable MIC length.
type CCM struct {
	block   cipher.Block
	micSize int
}

// NewCCM creates an AES-128-CCM-8 instance (8-byte MIC).
func NewCCM(key []byte) (*CCM, error) {
	return NewCCMWithMicSize(key, CCMMicSize)
}

// NewCCMWithMicSize creates an AES-128-CCM instance with the given MIC size.
// MIC sizes follow RFC 3610: even values between 4 and 16.
func NewCCMWithMicSize(key []byte, micSize int) (*CCM, error) {
	if len(key) != CCMKeySize {
		return nil, ErrCCMKeySize
	}
	if micSize < 4 || micSize > 16 || micSize%2 != 0 {
		return nil, ErrCCMMicSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &CCM{block: block, micSize: micSize}, nil
}

// MicSize returns the MIC length in bytes.
func (c *CCM) MicSize() int { return c.micSize }

// Seal encrypts and authenticates plaintext with associated data, returning
// ciphertext || MIC. The nonce must be unique per key.
func (c *CCM) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != CCMNonceSize {
		return nil, ErrCCMNonceSize
	}
	if len(plaintext) >= 1<<(8*ccmLenSize) {
		return nil, ErrCCMTooLong
	}

	mic := c.cbcMac(nonce, plaintext, aad)

	out := make([]byte, len(plaintext)+c.micSize)

	// The MIC is encrypted with the zeroth keystream block, the payload
	// with CTR mode from counter 1 (NIST 800-38C Section 6.1).
	s0 := c.keystreamBlock(nonce, 0)
	for i := 0; i < c.micSize; i++ {
		out[len(plaintext)+i] = mic[i] ^ s0[i]
	}
	c.ctrXor(nonce, out[:len(plaintext)], plaintext)

	return out, nil
}

// Open decrypts and verifies ciphertext || MIC, returning the plaintext.
func (c *CCM) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != CCMNonceSize {
		return nil, ErrCCMNonceSize
	}
	if len(ciphertext) < c.micSize {
		return nil, ErrCCMTooShort
	}

	body := ciphertext[:len(ciphertext)-c.micSize]
	encMic := ciphertext[len(ciphertext)-c.micSize:]

	s0 := c.keystreamBlock(nonce, 0)
	gotMic := make([]byte, c.micSize)
	for i := range gotMic {
		gotMic[i] = encMic[i] ^ s0[i]
	}

	plaintext := make([]byte, len(body))
	c.ctrXor(nonce, plaintext, body)

	wantMic := c.cbcMac(nonce, plaintext, aad)
	if subtle.ConstantTimeCompare(gotMic, wantMic[:c.micSize]) != 1 {
		return nil, ErrCCMAuthFailed
	}

	return plaintext, nil
}

// cbcMac computes the CBC-MAC over B_0, the encoded AAD, and the payload
// (NIST 800-38C Section 6.1, RFC 3610 Section 2.2).
func (c *CCM) cbcMac(nonce, plaintext, aad []byte) []byte {
	var b0 [blockSize]byte

	// Flags: Adata(1) || M'(3) || L'(3), M' = (mic-2)/2, L' = L-1.
	flags := byte(c.micSize-2)/2<<3 | byte(ccmLenSize-1)
	if len(aad) > 0 {
		flags |= 1 << 6
	}
	b0[0] = flags
	copy(b0[1:1+CCMNonceSize], nonce)
	binary.BigEndian.PutUint16(b0[blockSize-ccmLenSize:], uint16(len(plaintext)))

	mac := make([]byte, blockSize)
	c.block.Encrypt(mac, b0[:])

	if len(aad) > 0 {
		// AAD below 0xFF00 bytes is length-prefixed with two bytes; the
		// record layer never carries more than that.
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(aad)))
		mac = c.macAbsorb(mac, hdr[:], aad)
	}

	return c.macAbsorb(mac, plaintext)
}

// macAbsorb feeds the concatenation of the chunks into the CBC-MAC,
// zero-padding to the block boundary.
func (c *CCM) macAbsorb(mac []byte, chunks ...[]byte) []byte {
	var block [blockSize]byte
	fill := 0

	flush := func() {
		for i := 0; i < blockSize; i++ {
			mac[i] ^= block[i]
			block[i] = 0
		}
		c.block.Encrypt(mac, mac)
		fill = 0
	}

	for _, chunk := range chunks {
		for len(chunk) > 0 {
			n := copy(block[fill:], chunk)
			chunk = chunk[n:]
			fill += n
			if fill == blockSize {
				flush()
			}
		}
	}
	if fill > 0 {
		flush()
	}
	return mac
}

// ctrXor XORs src with the CTR keystream starting at counter 1 into dst.
func (c *CCM) ctrXor(nonce []byte, dst, src []byte) {
	for i := 0; i < len(src); i += blockSize {
		ks := c.keystreamBlock(nonce, uint16(i/blockSize)+1)
		end := i + blockSize
		if end > len(src) {
			end = len(src)
		}
		for j := i; j < end; j++ {
			dst[j] = src[j] ^ ks[j-i]
		}
	}
}

// keystreamBlock computes S_i = E(K, A_i) for counter i.
func (c *CCM) keystreamBlock(nonce []byte, counter uint16) []byte {
	var a [blockSize]byte
	a[0] = byte(ccmLenSize - 1)
	copy(a[1:1+CCMNonceSize], nonce)
	binary.BigEndian.PutUint16(a[blockSize-ccmLenSize:], counter)

	s := make([]byte, blockSize)
	c.block.Encrypt(s, a[:])
	return s
}
