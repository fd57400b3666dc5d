package handshake

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
)

// verifyKeyShare checks the peer's signature over its key-share transcript
// against the certificate's public key.
func verifyKeyShare(cert *x509.Certificate, transcript, sig []byte) error {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return ErrVerifyFailed
	}
	digest := sha256.Sum256(transcript)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrVerifyFailed
	}
	return nil
}

// verifyChain checks the peer certificate against the configured trust
// anchors.
func verifyChain(cert *x509.Certificate, anchors []*x509.Certificate) error {
	if len(anchors) == 0 {
		return ErrVerifyFailed
	}

	roots := x509.NewCertPool()
	for _, ca := range anchors {
		roots.AddCert(ca)
	}

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return ErrVerifyFailed
	}
	return nil
}
