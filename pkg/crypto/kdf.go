package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// HKDFSHA256 derives key material using HKDF-SHA256 (RFC 5869). The
// handshake key schedule and the KEK derivation both run through this.
//
// Parameters:
//   - inputKey: input keying material (IKM)
//   - salt: optional salt value (can be nil or empty)
//   - info: optional context label (can be nil or empty)
//   - length: number of bytes to derive
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, inputKey, salt, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// HKDFExtractSHA256 performs only the HKDF-Extract step, producing a
// 32-byte pseudorandom key from the input keying material.
func HKDFExtractSHA256(inputKey, salt []byte) []byte {
	return hkdf.Extract(sha256.New, inputKey, salt)
}

// HKDFExpandSHA256 performs only the HKDF-Expand step.
func HKDFExpandSHA256(prk, info []byte, length int) ([]byte, error) {
	reader := hkdf.Expand(sha256.New, prk, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// PBKDF2 iteration bounds for stretching a commissioning passphrase into a
// pre-shared key.
const (
	// PBKDF2IterationsMin is the minimum allowed iteration count.
	PBKDF2IterationsMin = 1000

	// PBKDF2IterationsMax is the maximum allowed iteration count.
	PBKDF2IterationsMax = 100000
)

// PBKDF2SHA256 stretches a passphrase using PBKDF2-HMAC-SHA256
// (NIST 800-132). Used to derive commissioning PSK material from a
// human-entered passphrase and network salt.
func PBKDF2SHA256(passphrase, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, keyLen, sha256.New)
}
