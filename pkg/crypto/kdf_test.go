package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// TestHKDFRFC5869Case1 verifies HKDF-SHA256 against RFC 5869 Appendix A.1.
func TestHKDFRFC5869Case1(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")
	want, _ := hex.DecodeString(
		"3cb25f25faacd57a90434f64d0362f2a" +
			"2d2d0a90cf1a5a4c5db02d56ecc4c5bf" +
			"34007208d5b887185865")

	got, err := HKDFSHA256(ikm, salt, info, 42)
	if err != nil {
		t.Fatalf("HKDFSHA256 failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("HKDFSHA256 = %x, want %x", got, want)
	}
}

func TestHKDFExtractExpandComposes(t *testing.T) {
	ikm := []byte("input keying material")
	salt := []byte("salt")
	info := []byte("info")

	direct, err := HKDFSHA256(ikm, salt, info, 32)
	if err != nil {
		t.Fatalf("HKDFSHA256 failed: %v", err)
	}

	prk := HKDFExtractSHA256(ikm, salt)
	composed, err := HKDFExpandSHA256(prk, info, 32)
	if err != nil {
		t.Fatalf("HKDFExpandSHA256 failed: %v", err)
	}

	if !bytes.Equal(direct, composed) {
		t.Errorf("extract+expand = %x, want %x", composed, direct)
	}
}

func TestPBKDF2Deterministic(t *testing.T) {
	k1 := PBKDF2SHA256([]byte("THREADPASS"), []byte("networksalt"), PBKDF2IterationsMin, 16)
	k2 := PBKDF2SHA256([]byte("THREADPASS"), []byte("networksalt"), PBKDF2IterationsMin, 16)
	k3 := PBKDF2SHA256([]byte("THREADPASX"), []byte("networksalt"), PBKDF2IterationsMin, 16)

	if !bytes.Equal(k1, k2) {
		t.Error("same inputs produced different keys")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different passphrases produced the same key")
	}
	if len(k1) != 16 {
		t.Errorf("key length = %d, want 16", len(k1))
	}
}

func TestHMACSHA256(t *testing.T) {
	mac1 := HMACSHA256([]byte("key"), []byte("message"))
	mac2 := HMACSHA256([]byte("key"), []byte("message"))

	if len(mac1) != SHA256Size {
		t.Errorf("mac length = %d, want %d", len(mac1), SHA256Size)
	}
	if !HMACEqual(mac1, mac2) {
		t.Error("identical inputs produced different MACs")
	}

	h := NewHMACSHA256([]byte("key"))
	h.Write([]byte("mess"))
	h.Write([]byte("age"))
	if !HMACEqual(h.Sum(nil), mac1) {
		t.Error("incremental MAC differs from one-shot MAC")
	}
}
