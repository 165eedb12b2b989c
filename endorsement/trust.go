// Package endorsement decides which TPM endorsement certificates the privacy
// CA accepts and keeps the per-device endorsement records.
package endorsement

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"github.com/google/go-attestation/attest"
	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/errs"
)

// Revocations reports endorsement certificates that have been revoked.
type Revocations interface {
	IsRevoked(cert *x509.Certificate) bool
}

// TrustStore accepts EK certificates that chain to an ek or endorsement
// certificate in the CA certificate store, in any domain.
type TrustStore struct {
	certs       *cacerts.Store
	revocations Revocations
	now         func() time.Time
	lgr         log15.Logger
}

func NewTrustStore(certs *cacerts.Store, revocations Revocations, now func() time.Time, lgr log15.Logger) *TrustStore {
	if now == nil {
		now = time.Now
	}
	if lgr == nil {
		lgr = log15.New()
	}
	return &TrustStore{
		certs:       certs,
		revocations: revocations,
		now:         now,
		lgr:         lgr,
	}
}

func (t *TrustStore) roots() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, kind := range []cacerts.Kind{cacerts.KindEK, cacerts.KindEndorsement} {
		for _, c := range t.certs.Search(kind, "") {
			pool.AddCert(c.Certificate())
		}
	}
	return pool
}

func (t *TrustStore) IsTrustedIssuer(cert *x509.Certificate) bool {
	return t.check(cert) == nil
}

// VerifyEndorsement parses a DER EK certificate and checks it is trusted and
// not revoked.
func (t *TrustStore) VerifyEndorsement(der []byte) (*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, errs.New(errs.MalformedInput, "missing endorsement certificate")
	}
	// go-attestation unwraps the NV index header and tolerates EK quirks;
	// the rest of the chain checks run on crypto/x509.
	ctCert, err := attest.ParseEKCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "parse endorsement certificate")
	}
	cert, err := x509.ParseCertificate(ctCert.Raw)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "parse endorsement certificate")
	}
	if err := t.check(cert); err != nil {
		t.lgr.Warn("untrusted_endorsement", "subject", cert.Subject.String(), "issuer", cert.Issuer.String(), "err", err)
		return nil, err
	}
	return cert, nil
}

func (t *TrustStore) check(cert *x509.Certificate) error {
	now := t.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errs.New(errs.UntrustedEndorsement, "endorsement certificate not valid at %s", now.Format(time.RFC3339))
	}

	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
		return errs.New(errs.UntrustedEndorsement, "endorsement certificate is not for an encryption key")
	}

	stripSANExtension(cert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:       t.roots(),
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return errs.Wrap(errs.UntrustedEndorsement, err, "endorsement certificate chain")
	}

	// The privacy CA also signs AIK, signing and binding key certificates.
	if t.issuedByPrivacyCA(chains) && !cacerts.HasKeyPurpose(cert, cacerts.OIDEKCertificate) {
		return errs.New(errs.UntrustedEndorsement, "certificate from the privacy ca is not an endorsement certificate")
	}

	if t.revocations != nil && t.revocations.IsRevoked(cert) {
		return errs.New(errs.UntrustedEndorsement, "endorsement certificate revoked")
	}
	return nil
}

func (t *TrustStore) issuedByPrivacyCA(chains [][]*x509.Certificate) bool {
	privacy, err := t.certs.Get(cacerts.KindPrivacy)
	if err != nil {
		return false
	}
	for _, chain := range chains {
		for _, c := range chain[1:] {
			if bytes.Equal(c.Raw, privacy.Raw) {
				return true
			}
		}
	}
	return false
}

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// EK certificates carry a critical SAN holding TPM manufacturer attributes
// that crypto/x509 does not understand.
func stripSANExtension(cert *x509.Certificate) {
	exts := cert.UnhandledCriticalExtensions[:0]
	for _, ext := range cert.UnhandledCriticalExtensions {
		if !ext.Equal(oidSubjectAltName) {
			exts = append(exts, ext)
		}
	}
	cert.UnhandledCriticalExtensions = exts
}
