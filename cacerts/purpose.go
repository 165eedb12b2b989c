package cacerts

import (
	"crypto/x509"
	"encoding/asn1"
)

// TCG key purposes carried in the extended key usage of certificates the
// privacy CA issues (TCG EK Credential Profile, tcg-kp-*).
var (
	OIDEKCertificate  = asn1.ObjectIdentifier{2, 23, 133, 8, 1}
	OIDAIKCertificate = asn1.ObjectIdentifier{2, 23, 133, 8, 3}
)

// HasKeyPurpose reports whether cert lists oid as an extended key usage.
func HasKeyPurpose(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, eku := range cert.UnknownExtKeyUsage {
		if eku.Equal(oid) {
			return true
		}
	}
	return false
}
