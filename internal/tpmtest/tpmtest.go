// Package tpmtest provides manufacturer CAs, endorsement and attestation keys
// and a software credential activation for exercising the privacy CA without
// a TPM.
package tpmtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"github.com/stretchr/testify/require"
)

// CA is a throwaway certificate authority, standing in for a TPM
// manufacturer or for the privacy CA itself.
type CA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

func NewCA(t testing.TB, cn string) *CA {
	t.Helper()
	key := newRSAKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"tpmtest"}, CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &CA{Cert: cert, Key: key}
}

// IssueEK returns a DER endorsement certificate for pub valid between
// notBefore and notAfter.
func (ca *CA) IssueEK(t testing.TB, pub crypto.PublicKey, notBefore, notAfter time.Time) []byte {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tpmtest ek"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, pub, ca.Key)
	require.NoError(t, err)
	return der
}

// ValidEK issues an endorsement certificate valid for a year.
func (ca *CA) ValidEK(t testing.TB, pub crypto.PublicKey) []byte {
	return ca.IssueEK(t, pub, time.Now().Add(-time.Hour), time.Now().AddDate(1, 0, 0))
}

func NewEK(t testing.TB) *rsa.PrivateKey {
	return newRSAKey(t)
}

// Key is a TPM 2.0 resident key: its private half, the marshalled
// TPMT_PUBLIC and the resulting Name.
type Key struct {
	Priv   *rsa.PrivateKey
	Public []byte
	Name   []byte
}

func NewAIK(t testing.TB) *Key {
	return newKey(t, tpm2.FlagFixedTPM|tpm2.FlagFixedParent|tpm2.FlagSensitiveDataOrigin|
		tpm2.FlagUserWithAuth|tpm2.FlagRestricted|tpm2.FlagSign, &tpm2.SigScheme{Alg: tpm2.AlgRSASSA, Hash: tpm2.AlgSHA256})
}

func NewSigningKey(t testing.TB) *Key {
	return newKey(t, tpm2.FlagFixedTPM|tpm2.FlagFixedParent|tpm2.FlagSensitiveDataOrigin|
		tpm2.FlagUserWithAuth|tpm2.FlagSign, &tpm2.SigScheme{Alg: tpm2.AlgRSASSA, Hash: tpm2.AlgSHA256})
}

func NewBindingKey(t testing.TB) *Key {
	return newKey(t, tpm2.FlagFixedTPM|tpm2.FlagFixedParent|tpm2.FlagSensitiveDataOrigin|
		tpm2.FlagUserWithAuth|tpm2.FlagDecrypt, nil)
}

func newKey(t testing.TB, attrs tpm2.KeyProp, sign *tpm2.SigScheme) *Key {
	t.Helper()
	priv := newRSAKey(t)
	pub := tpm2.Public{
		Type:       tpm2.AlgRSA,
		NameAlg:    tpm2.AlgSHA256,
		Attributes: attrs,
		RSAParameters: &tpm2.RSAParams{
			Sign:       sign,
			KeyBits:    2048,
			ModulusRaw: priv.PublicKey.N.Bytes(),
		},
	}
	encoded, err := pub.Encode()
	require.NoError(t, err)
	return &Key{Priv: priv, Public: encoded, Name: Name(tpm2.AlgSHA256, encoded)}
}

// Name computes a TPM 2.0 object Name: nameAlg || H(public area).
func Name(alg tpm2.Algorithm, public []byte) []byte {
	h, err := alg.Hash()
	if err != nil {
		panic(err)
	}
	d := h.New()
	d.Write(public)
	name := make([]byte, 2, 2+h.Size())
	binary.BigEndian.PutUint16(name, uint16(alg))
	return d.Sum(name)
}

// CertifyKey returns a TPMS_ATTEST of type certify naming key, and a
// TPMT_SIGNATURE over it made with the AIK.
func (aik *Key) CertifyKey(t testing.TB, key *Key) ([]byte, []byte) {
	t.Helper()
	attest, err := tpmutil.Pack(
		uint32(0xff544347), // TPM_GENERATED_VALUE
		uint16(tpm2.TagAttestCertify),
		tpmutil.U16Bytes(aik.Name),
		tpmutil.U16Bytes(nil),
		uint64(1000), uint32(1), uint32(0), uint8(1),
		uint64(0x2000),
		tpmutil.U16Bytes(key.Name),
		tpmutil.U16Bytes(key.Name),
	)
	require.NoError(t, err)
	return attest, aik.Sign(t, attest)
}

// Sign produces an RSASSA-SHA256 TPMT_SIGNATURE over data.
func (aik *Key) Sign(t testing.TB, data []byte) []byte {
	t.Helper()
	digest := crypto.SHA256.New()
	digest.Write(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, aik.Priv, crypto.SHA256, digest.Sum(nil))
	require.NoError(t, err)
	out, err := tpmutil.Pack(uint16(tpm2.AlgRSASSA), uint16(tpm2.AlgSHA256), tpmutil.U16Bytes(sig))
	require.NoError(t, err)
	return out
}

func newRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}
