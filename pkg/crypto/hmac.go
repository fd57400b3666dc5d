package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// SHA256Size is the size of a SHA-256 digest in bytes.
const SHA256Size = sha256.Size

// HMACSHA256 computes the HMAC-SHA256 of message under key.
func HMACSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// NewHMACSHA256 returns a hash.Hash computing HMAC-SHA256 incrementally,
// for MACs over transcript data fed in pieces.
func NewHMACSHA256(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
