// Package credentials provides X.509 helpers for the ECDHE-ECDSA cipher
// suites: PEM parsing for certificates and EC keys, subject-attribute
// lookup by OID, and Thread attribute extraction from v3 extensions under
// the Thread Group private arc.
package credentials

import "encoding/asn1"

// ThreadOIDDescriptorMax is the largest Thread attribute descriptor. The
// descriptor is the final arc of the OID and must fit in a single DER
// base-128 octet.
const ThreadOIDDescriptorMax = 127

// Thread Group private enterprise arc, 1.3.6.1.4.1.44970. Thread attribute
// OIDs append a single descriptor arc to it.
var OIDThreadArc = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44970}

// ThreadOID returns the OID 1.3.6.1.4.1.44970.<descriptor>. It returns
// ErrDescriptorRange when the descriptor does not fit in one octet.
func ThreadOID(descriptor int) (asn1.ObjectIdentifier, error) {
	if descriptor < 0 || descriptor > ThreadOIDDescriptorMax {
		return nil, ErrDescriptorRange
	}
	oid := make(asn1.ObjectIdentifier, len(OIDThreadArc)+1)
	copy(oid, OIDThreadArc)
	oid[len(OIDThreadArc)] = descriptor
	return oid, nil
}

// Standard X.509 DN OIDs.
var (
	OIDCommonName          = asn1.ObjectIdentifier{2, 5, 4, 3}
	OIDSerialNumber        = asn1.ObjectIdentifier{2, 5, 4, 5}
	OIDCountryName         = asn1.ObjectIdentifier{2, 5, 4, 6}
	OIDLocalityName        = asn1.ObjectIdentifier{2, 5, 4, 7}
	OIDStateOrProvinceName = asn1.ObjectIdentifier{2, 5, 4, 8}
	OIDOrganizationName    = asn1.ObjectIdentifier{2, 5, 4, 10}
	OIDOrganizationalUnit  = asn1.ObjectIdentifier{2, 5, 4, 11}
)

// X.509 signature and key algorithm OIDs accepted by the ECDSA suites.
var (
	OIDSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDPublicKeyECDSA           = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDNamedCurvePrime256v1     = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
)
