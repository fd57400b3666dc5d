package credentials

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
)

// ParseCertificatePEM parses the first certificate block from PEM data.
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParseCertificateChainPEM parses every certificate block from PEM data,
// in order. Used for CA chains.
func ParseCertificateChainPEM(pemData []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrInvalidPEM
	}
	return chain, nil
}

// ParseECKeyPEM parses an EC private key from PEM data. Both SEC 1
// ("EC PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") encodings are accepted.
func ParseECKeyPEM(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, ErrInvalidKey
		}
		return ecKey, nil
	default:
		return nil, ErrInvalidPEM
	}
}

// CertificateBase64 returns the certificate DER encoded as standard base64.
func CertificateBase64(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.Raw)
}

// SubjectAttributeByOID looks up an attribute in the certificate subject DN
// by its OID string (dotted decimal, e.g. "2.5.4.3"). It returns the raw
// attribute value bytes and the DER tag of the value, so callers can tell
// UTF8String from PrintableString and friends.
func SubjectAttributeByOID(cert *x509.Certificate, oidString string) (value []byte, asn1Tag int, err error) {
	var rdns pkixRDNSequence
	if rest, err := asn1.Unmarshal(cert.RawSubject, &rdns); err != nil || len(rest) != 0 {
		return nil, 0, ErrMalformedSubject
	}

	for _, rdn := range rdns {
		for _, atv := range rdn {
			if atv.Type.String() != oidString {
				continue
			}
			return atv.Value.Bytes, int(atv.Value.Tag), nil
		}
	}
	return nil, 0, ErrAttributeNotFound
}

// pkixRDNSequence mirrors the X.501 RDNSequence with raw attribute values,
// so the DER tag of each value survives parsing.
type pkixRDNSequence []pkixRDNSET

type pkixRDNSET []pkixAttributeTypeAndValue

type pkixAttributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// ThreadAttribute extracts the value of the v3 extension with OID
// 1.3.6.1.4.1.44970.<descriptor>. The extension value must be a single DER
// element; its content bytes are returned.
func ThreadAttribute(cert *x509.Certificate, descriptor int) ([]byte, error) {
	oid, err := ThreadOID(descriptor)
	if err != nil {
		return nil, err
	}

	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oid) {
			continue
		}
		var rv asn1.RawValue
		if rest, err := asn1.Unmarshal(ext.Value, &rv); err != nil || len(rest) != 0 {
			return nil, ErrMalformedExtension
		}
		return rv.Bytes, nil
	}
	return nil, ErrAttributeNotFound
}
