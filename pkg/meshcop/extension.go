package meshcop

import (
	"crypto/x509"
	"errors"

	"github.com/threadmesh/go-thread/pkg/credentials"
)

// Extension is the optional cipher-configuration and certificate-inspection
// overlay on a transport. Key material installed here is picked up at the
// next session setup; peer-facing queries require a Connected session.
//
// Buffer contract: queries copy into the caller's buffer and return the
// number of bytes written. When the buffer is too small they return
// ErrNoBufs together with the required length, so the caller can retry.
type Extension struct {
	transport *SecureTransport
}

// NewExtension returns the extension overlay for a transport.
func NewExtension(t *SecureTransport) *Extension {
	return &Extension{transport: t}
}

// SetPreSharedKey installs a PSK and identity for the
// PSK-WITH-AES-128-CCM-8 suite.
func (e *Extension) SetPreSharedKey(psk, pskID []byte) error {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(psk) == 0 || len(psk) > PskMaxLength {
		return ErrInvalidArgs
	}

	t.psk = append([]byte(nil), psk...)
	t.pskIdentity = append([]byte(nil), pskID...)
	return nil
}

// SetCertificate installs the own certificate and private key for the
// ECDHE-ECDSA suites.
func (e *Extension) SetCertificate(certPEM, keyPEM []byte) error {
	cert, err := credentials.ParseCertificatePEM(certPEM)
	if err != nil {
		return ErrInvalidArgs
	}
	key, err := credentials.ParseECKeyPEM(keyPEM)
	if err != nil {
		return ErrInvalidArgs
	}

	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	t.certificate = cert
	t.privateKey = key
	return nil
}

// SetCaCertificateChain installs the trust anchors used to verify the peer
// certificate.
func (e *Extension) SetCaCertificateChain(chainPEM []byte) error {
	chain, err := credentials.ParseCertificateChainPEM(chainPEM)
	if err != nil {
		return ErrInvalidArgs
	}

	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caChain = chain
	return nil
}

// SetSslAuthMode toggles peer-certificate verification. Takes effect at the
// next session setup, so it must be set before connecting.
func (e *Extension) SetSslAuthMode(verifyPeer bool) {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verifyPeer = verifyPeer
}

// GetPeerCertificateBase64 writes the peer certificate, base64 encoded,
// into buf. Fails with ErrInvalidState when not Connected and ErrNotFound
// when the handshake carried no certificate.
func (e *Extension) GetPeerCertificateBase64(buf []byte) (int, error) {
	cert, err := e.peerCertificate()
	if err != nil {
		return 0, err
	}

	encoded := credentials.CertificateBase64(cert)
	if len(encoded) > len(buf) {
		return len(encoded), ErrNoBufs
	}
	return copy(buf, encoded), nil
}

// GetPeerSubjectAttributeByOid looks up a subject DN attribute of the peer
// certificate by dotted-decimal OID. The DER tag of the value is returned
// alongside the length.
func (e *Extension) GetPeerSubjectAttributeByOid(oid string, buf []byte) (n int, asn1Type int, err error) {
	cert, err := e.peerCertificate()
	if err != nil {
		return 0, 0, err
	}

	value, tag, err := credentials.SubjectAttributeByOID(cert, oid)
	if err != nil {
		return 0, 0, mapCredentialsError(err)
	}
	if len(value) > len(buf) {
		return len(value), tag, ErrNoBufs
	}
	return copy(buf, value), tag, nil
}

// GetThreadAttributeFromPeerCertificate extracts the v3 extension
// 1.3.6.1.4.1.44970.<descriptor> from the peer certificate.
func (e *Extension) GetThreadAttributeFromPeerCertificate(descriptor int, buf []byte) (int, error) {
	cert, err := e.peerCertificate()
	if err != nil {
		return 0, err
	}
	return threadAttribute(cert, descriptor, buf)
}

// GetThreadAttributeFromOwnCertificate extracts the v3 extension
// 1.3.6.1.4.1.44970.<descriptor> from the own certificate. Unlike the peer
// variant it works in any state once a certificate is installed.
func (e *Extension) GetThreadAttributeFromOwnCertificate(descriptor int, buf []byte) (int, error) {
	t := e.transport
	t.mu.Lock()
	cert := t.certificate
	t.mu.Unlock()

	if cert == nil {
		return 0, ErrNotFound
	}
	return threadAttribute(cert, descriptor, buf)
}

// peerCertificate fetches the peer certificate of the Connected session.
func (e *Extension) peerCertificate() (*x509.Certificate, error) {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil || t.session.state != StateConnected {
		return nil, ErrInvalidState
	}
	cert := t.engine.PeerCertificate()
	if cert == nil {
		return nil, ErrNotFound
	}
	return cert, nil
}

func threadAttribute(cert *x509.Certificate, descriptor int, buf []byte) (int, error) {
	value, err := credentials.ThreadAttribute(cert, descriptor)
	if err != nil {
		return 0, mapCredentialsError(err)
	}
	if len(value) > len(buf) {
		return len(value), ErrNoBufs
	}
	return copy(buf, value), nil
}

// mapCredentialsError translates credentials sentinels into the transport's
// error taxonomy.
func mapCredentialsError(err error) error {
	switch {
	case errors.Is(err, credentials.ErrDescriptorRange):
		return ErrNotImplemented
	case errors.Is(err, credentials.ErrAttributeNotFound):
		return ErrNotFound
	case errors.Is(err, credentials.ErrMalformedExtension),
		errors.Is(err, credentials.ErrMalformedSubject):
		return ErrParse
	default:
		return err
	}
}
