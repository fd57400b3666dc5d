package crypto

import (
	"bytes"
	"testing"
)

func TestCCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, CCMKeySize)
	nonce := bytes.Repeat([]byte{0x22}, CCMNonceSize)
	aad := []byte("record header")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ccm, err := NewCCM(key)
	if err != nil {
		t.Fatalf("NewCCM failed: %v", err)
	}

	sealed, err := ccm.Seal(nonce, plaintext, aad)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(sealed) != len(plaintext)+CCMMicSize {
		t.Fatalf("sealed length = %d, want %d", len(sealed), len(plaintext)+CCMMicSize)
	}

	opened, err := ccm.Open(nonce, sealed, aad)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open = %x, want %x", opened, plaintext)
	}
}

func TestCCMEmptyPlaintext(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, CCMKeySize)
	nonce := bytes.Repeat([]byte{0x02}, CCMNonceSize)

	ccm, err := NewCCM(key)
	if err != nil {
		t.Fatalf("NewCCM failed: %v", err)
	}

	sealed, err := ccm.Seal(nonce, nil, []byte("aad only"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(sealed) != CCMMicSize {
		t.Fatalf("sealed length = %d, want %d", len(sealed), CCMMicSize)
	}

	opened, err := ccm.Open(nonce, sealed, []byte("aad only"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(opened) != 0 {
		t.Errorf("Open returned %d bytes, want 0", len(opened))
	}
}

func TestCCMTamperDetection(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, CCMKeySize)
	nonce := bytes.Repeat([]byte{0x44}, CCMNonceSize)
	aad := []byte("hdr")
	plaintext := []byte("payload bytes")

	ccm, _ := NewCCM(key)
	sealed, err := ccm.Seal(nonce, plaintext, aad)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	cases := []struct {
		name   string
		mutate func() ([]byte, []byte, []byte) // nonce, ciphertext, aad
	}{
		{"flipped ciphertext bit", func() ([]byte, []byte, []byte) {
			c := append([]byte(nil), sealed...)
			c[0] ^= 0x01
			return nonce, c, aad
		}},
		{"flipped mic bit", func() ([]byte, []byte, []byte) {
			c := append([]byte(nil), sealed...)
			c[len(c)-1] ^= 0x80
			return nonce, c, aad
		}},
		{"wrong aad", func() ([]byte, []byte, []byte) {
			return nonce, sealed, []byte("hdx")
		}},
		{"wrong nonce", func() ([]byte, []byte, []byte) {
			n := append([]byte(nil), nonce...)
			n[0] ^= 0xff
			return n, sealed, aad
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, c, a := tc.mutate()
			if _, err := ccm.Open(n, c, a); err != ErrCCMAuthFailed {
				t.Errorf("Open = %v, want ErrCCMAuthFailed", err)
			}
		})
	}
}

func TestCCMWrongKey(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x55}, CCMNonceSize)

	ccm1, _ := NewCCM(bytes.Repeat([]byte{0x01}, CCMKeySize))
	ccm2, _ := NewCCM(bytes.Repeat([]byte{0x02}, CCMKeySize))

	sealed, err := ccm1.Seal(nonce, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := ccm2.Open(nonce, sealed, nil); err != ErrCCMAuthFailed {
		t.Errorf("Open with wrong key = %v, want ErrCCMAuthFailed", err)
	}
}

func TestCCMParamValidation(t *testing.T) {
	if _, err := NewCCM(make([]byte, 15)); err != ErrCCMKeySize {
		t.Errorf("short key = %v, want ErrCCMKeySize", err)
	}
	if _, err := NewCCMWithMicSize(make([]byte, 16), 7); err != ErrCCMMicSize {
		t.Errorf("odd mic size = %v, want ErrCCMMicSize", err)
	}
	if _, err := NewCCMWithMicSize(make([]byte, 16), 18); err != ErrCCMMicSize {
		t.Errorf("oversized mic = %v, want ErrCCMMicSize", err)
	}

	ccm, _ := NewCCM(make([]byte, 16))
	if _, err := ccm.Seal(make([]byte, 12), nil, nil); err != ErrCCMNonceSize {
		t.Errorf("short nonce Seal = %v, want ErrCCMNonceSize", err)
	}
	if _, err := ccm.Open(make([]byte, CCMNonceSize), make([]byte, 4), nil); err != ErrCCMTooShort {
		t.Errorf("short ciphertext Open = %v, want ErrCCMTooShort", err)
	}
}

func TestCCMMicSizes(t *testing.T) {
	key := bytes.Repeat([]byte{0x77}, CCMKeySize)
	nonce := bytes.Repeat([]byte{0x88}, CCMNonceSize)
	plaintext := []byte("sized")

	for _, mic := range []int{4, 8, 16} {
		ccm, err := NewCCMWithMicSize(key, mic)
		if err != nil {
			t.Fatalf("NewCCMWithMicSize(%d) failed: %v", mic, err)
		}
		sealed, err := ccm.Seal(nonce, plaintext, nil)
		if err != nil {
			t.Fatalf("Seal (mic=%d) failed: %v", mic, err)
		}
		if len(sealed) != len(plaintext)+mic {
			t.Errorf("mic=%d: sealed length = %d, want %d", mic, len(sealed), len(plaintext)+mic)
		}
		if _, err := ccm.Open(nonce, sealed, nil); err != nil {
			t.Errorf("mic=%d: Open failed: %v", mic, err)
		}
	}
}
