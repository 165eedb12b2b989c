package privacyca

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/retailnext/unixtime"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultAIKValidity = 365 * 24 * time.Hour
	backdate           = 5 * time.Minute
)

// Authority is a signing CA: its certificate and private key.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// LoadAuthority parses a PEM private key (PKCS#1, PKCS#8, SEC1 or OpenSSH)
// and the matching PEM certificate.
func LoadAuthority(keyPEM, certPEM []byte) (*Authority, error) {
	rawKey, err := ssh.ParseRawPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca private key: %w", err)
	}
	if k, ok := rawKey.(*ed25519.PrivateKey); ok {
		rawKey = *k
	}
	signer, ok := rawKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("ca private key %T is not a signer", rawKey)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block in ca certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	if !publicKeysEqual(cert.PublicKey, signer.Public()) {
		return nil, errors.New("ca certificate does not match private key")
	}
	return &Authority{Cert: cert, Key: signer}, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

// CertKind names the classes of certificate the issuer produces.
type CertKind string

const (
	CertKindAIK     CertKind = "aik"
	CertKindEK      CertKind = "ek"
	CertKindSigning CertKind = "signing"
	CertKindBinding CertKind = "binding"
)

// Issuer signs AIK, EK and TPM key certificates and archives them.
type Issuer struct {
	privacy     *Authority
	endorsement *Authority
	validity    time.Duration
	archive     Archive
	now         func() time.Time
	rand        io.Reader
	lgr         log15.Logger
}

type IssuerConfig struct {
	Privacy *Authority
	// Endorsement signs EK certificates. Defaults to Privacy.
	Endorsement *Authority
	Validity    time.Duration
	Archive     Archive
	Now         func() time.Time
	Rand        io.Reader
	Logger      log15.Logger
}

func NewIssuer(conf IssuerConfig) *Issuer {
	i := &Issuer{
		privacy:     conf.Privacy,
		endorsement: conf.Endorsement,
		validity:    conf.Validity,
		archive:     conf.Archive,
		now:         conf.Now,
		rand:        conf.Rand,
		lgr:         conf.Logger,
	}
	if i.endorsement == nil {
		i.endorsement = i.privacy
	}
	if i.validity <= 0 {
		i.validity = DefaultAIKValidity
	}
	if i.archive == nil {
		i.archive = discardArchive{}
	}
	if i.now == nil {
		i.now = time.Now
	}
	if i.rand == nil {
		i.rand = rand.Reader
	}
	if i.lgr == nil {
		i.lgr = log15.New()
	}
	return i
}

func (i *Issuer) Privacy() *Authority {
	return i.privacy
}

func (i *Issuer) Endorsement() *Authority {
	return i.endorsement
}

// IssueAIK certifies an activated identity key.
func (i *Issuer) IssueAIK(key IdentityKey) (*x509.Certificate, error) {
	name := key.Name()
	tmpl := &x509.Certificate{
		Subject:            pkix.Name{CommonName: fmt.Sprintf("aik-%d", unixtime.ToUnix(i.now(), time.Millisecond))},
		SubjectKeyId:       name[2:],
		KeyUsage:           x509.KeyUsageDigitalSignature,
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{cacerts.OIDAIKCertificate},
	}
	return i.issue(CertKindAIK, i.privacy, tmpl, key.PublicKey())
}

// IssueEK certifies a raw RSA endorsement key modulus (e=65537).
func (i *Issuer) IssueEK(modulus []byte) (*x509.Certificate, error) {
	if len(modulus) < 128 {
		return nil, errs.New(errs.MalformedInput, "ek modulus too short (%d bytes)", len(modulus))
	}
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: 65537}
	tmpl := &x509.Certificate{
		Subject:            pkix.Name{CommonName: fmt.Sprintf("ek-%d", unixtime.ToUnix(i.now(), time.Millisecond))},
		KeyUsage:           x509.KeyUsageKeyEncipherment,
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{cacerts.OIDEKCertificate},
	}
	return i.issue(CertKindEK, i.endorsement, tmpl, pub)
}

func (i *Issuer) issueKey(kind CertKind, pub crypto.PublicKey, usage x509.KeyUsage, keyID []byte) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		Subject:      pkix.Name{CommonName: fmt.Sprintf("%s-%d", kind, unixtime.ToUnix(i.now(), time.Millisecond))},
		SubjectKeyId: keyID,
		KeyUsage:     usage,
	}
	return i.issue(kind, i.privacy, tmpl, pub)
}

func (i *Issuer) issue(kind CertKind, ca *Authority, tmpl *x509.Certificate, pub crypto.PublicKey) (*x509.Certificate, error) {
	if ca == nil {
		return nil, errs.New(errs.Internal, "no signing authority configured for %s certificates", kind)
	}
	serial, err := rand.Int(i.rand, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, err
	}
	now := i.now()
	tmpl.SerialNumber = serial.Add(serial, big.NewInt(1))
	tmpl.Issuer = ca.Cert.Subject
	tmpl.NotBefore = now.Add(-backdate)
	tmpl.NotAfter = now.Add(i.validity)
	tmpl.BasicConstraintsValid = true

	der, err := x509.CreateCertificate(i.rand, tmpl, ca.Cert, pub, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("sign %s certificate: %w", kind, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	if err := i.archive.Store(kind, cert); err != nil {
		return nil, fmt.Errorf("archive %s certificate: %w", kind, err)
	}

	lgr := i.lgr.New("kind", kind, "serial", cert.SerialNumber.String(), "subject", cert.Subject.CommonName, "not_after", cert.NotAfter)
	if sshPub, err := ssh.NewPublicKey(pub); err == nil {
		lgr.Info("cert_issued", "fingerprint", ssh.FingerprintSHA256(sshPub))
	} else {
		lgr.Info("cert_issued")
	}
	return cert, nil
}

// PEM encodes a DER certificate.
func PEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
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
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate found")
	}
	return certs, nil
}
