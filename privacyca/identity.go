package privacyca

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/google/go-attestation/attest"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/credactivation"
	"github.com/google/go-tpm/tpmutil"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
)

type TPMVersion int

const (
	TPMVersion12 TPMVersion = iota + 1
	TPMVersion20
)

func (v TPMVersion) String() string {
	switch v {
	case TPMVersion12:
		return messages.TPMVersion12
	case TPMVersion20:
		return messages.TPMVersion20
	}
	return fmt.Sprintf("TPMVersion(%d)", int(v))
}

func ParseTPMVersion(s string) (TPMVersion, error) {
	switch s {
	case messages.TPMVersion12:
		return TPMVersion12, nil
	case messages.TPMVersion20:
		return TPMVersion20, nil
	}
	return 0, errs.New(errs.UnsupportedTpmVersion, "unsupported tpm version %q", s)
}

// ekSymBlockSize is the seed length for an RSA EK using the default
// AES-128 storage template.
const ekSymBlockSize = 16

// IdentityKey is an AIK as presented in an identity request. It is either a
// *TPM20Key or a *TPM12Key.
type IdentityKey interface {
	Version() TPMVersion
	// Name is the value a credential is bound to. For TPM 2.0 keys it is
	// the TPM Name; for TPM 1.2 keys it is the SHA-1 algorithm id followed by
	// the digest of the packed TPM_PUBKEY.
	Name() []byte
	// Hash is the binding digest algorithm, which also fixes the secret
	// length.
	Hash() crypto.Hash
	PublicKey() crypto.PublicKey

	// wrapKey produces a symmetric key together with the credential and
	// the EK-wrapped blob that release it inside the TPM.
	wrapKey(ek crypto.PublicKey, rnd io.Reader) (symKey, credential, asymBlob []byte, err error)
}

type TPM20Key struct {
	Public tpm2.Public
	name   []byte
	digest *tpm2.HashValue
	hash   crypto.Hash
	pub    crypto.PublicKey
}

func (k *TPM20Key) Version() TPMVersion         { return TPMVersion20 }
func (k *TPM20Key) Name() []byte                { return k.name }
func (k *TPM20Key) Hash() crypto.Hash           { return k.hash }
func (k *TPM20Key) PublicKey() crypto.PublicKey { return k.pub }

func (k *TPM20Key) wrapKey(ek crypto.PublicKey, rnd io.Reader) ([]byte, []byte, []byte, error) {
	symKey := make([]byte, symKeySize(k.hash))
	if _, err := io.ReadFull(rnd, symKey); err != nil {
		return nil, nil, nil, fmt.Errorf("read sym key: %w", err)
	}
	credential, encSecret, err := credactivation.Generate(k.digest, ek, ekSymBlockSize, symKey)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.MalformedInput, err, "make credential")
	}
	return symKey, credential, encSecret, nil
}

type TPM12Key struct {
	Modulus []byte
	// PubKey is the packed TPM_PUBKEY the challenge is bound to.
	PubKey []byte
	name   []byte
	pub    *rsa.PublicKey
}

func (k *TPM12Key) Version() TPMVersion         { return TPMVersion12 }
func (k *TPM12Key) Name() []byte                { return k.name }
func (k *TPM12Key) Hash() crypto.Hash           { return crypto.SHA1 }
func (k *TPM12Key) PublicKey() crypto.PublicKey { return k.pub }

func (k *TPM12Key) wrapKey(ek crypto.PublicKey, rnd io.Reader) ([]byte, []byte, []byte, error) {
	params := attest.ActivationParameters{
		TPMVersion: attest.TPMVersion12,
		EK:         ek,
		AK:         attest.AttestationParameters{Public: k.PubKey},
	}
	symKey, ec, err := params.Generate()
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.MalformedInput, err, "generate tpm 1.2 activation")
	}
	return symKey, ec.Credential, ec.Secret, nil
}

// ParseIdentityKey builds the version-specific AIK from an identity request.
// When aikName is present it must match the Name computed from the public
// area.
func ParseIdentityKey(req messages.IdentityRequest) (IdentityKey, error) {
	version, err := ParseTPMVersion(req.TPMVersion)
	if err != nil {
		return nil, err
	}
	switch version {
	case TPMVersion20:
		return parseTPM20Key(req)
	case TPMVersion12:
		return parseTPM12Key(req)
	}
	return nil, errs.New(errs.UnsupportedTpmVersion, "unsupported tpm version %q", req.TPMVersion)
}

const aikRequiredAttrs = tpm2.FlagFixedTPM | tpm2.FlagRestricted | tpm2.FlagSign

func parseTPM20Key(req messages.IdentityRequest) (*TPM20Key, error) {
	if len(req.AIKModulus) == 0 {
		return nil, errs.New(errs.MalformedIdentityRequest, "missing aik public area")
	}
	pub, err := tpm2.DecodePublic(req.AIKModulus)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedIdentityRequest, err, "decode aik public area")
	}
	if pub.Attributes&aikRequiredAttrs != aikRequiredAttrs {
		return nil, errs.New(errs.MalformedIdentityRequest, "aik is not a fixed restricted signing key (attributes 0x%08x)", uint32(pub.Attributes))
	}
	key, err := pub.Key()
	if err != nil {
		return nil, errs.Wrap(errs.MalformedIdentityRequest, err, "aik public key")
	}
	h, err := pub.NameAlg.Hash()
	if err != nil {
		return nil, errs.Wrap(errs.MalformedIdentityRequest, err, "aik name algorithm")
	}
	name, err := publicName(pub.NameAlg, req.AIKModulus)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedIdentityRequest, err, "aik name")
	}
	digest := name[2:]

	if len(req.AIKName) > 0 && !bytes.Equal(req.AIKName, name) {
		return nil, errs.New(errs.NameBindingMismatch, "aik name does not match public area")
	}

	return &TPM20Key{
		Public: pub,
		name:   name,
		digest: &tpm2.HashValue{Alg: pub.NameAlg, Value: digest},
		hash:   h,
		pub:    key,
	}, nil
}

const (
	tpm12AlgRSA           = 0x00000001
	tpm12ESNone           = 0x0001
	tpm12SSRSASSAPKCS1SHA = 0x0002
	tpm12AIKBits          = 2048
)

func parseTPM12Key(req messages.IdentityRequest) (*TPM12Key, error) {
	if len(req.AIKModulus) != tpm12AIKBits/8 {
		return nil, errs.New(errs.MalformedIdentityRequest, "aik modulus must be %d bytes, got %d", tpm12AIKBits/8, len(req.AIKModulus))
	}

	// TPM_KEY_PARMS/TPM_RSA_KEY_PARMS followed by TPM_STORE_PUBKEY.
	rsaParms, err := tpmutil.Pack(uint32(tpm12AIKBits), uint32(2), uint32(0))
	if err != nil {
		return nil, err
	}
	pubKey, err := tpmutil.Pack(
		uint32(tpm12AlgRSA), uint16(tpm12ESNone), uint16(tpm12SSRSASSAPKCS1SHA),
		uint32(len(rsaParms)), tpmutil.RawBytes(rsaParms),
		uint32(len(req.AIKModulus)), tpmutil.RawBytes(req.AIKModulus),
	)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedIdentityRequest, err, "pack tpm 1.2 pubkey")
	}

	d := crypto.SHA1.New()
	d.Write(pubKey)
	name := make([]byte, 2, 2+crypto.SHA1.Size())
	binary.BigEndian.PutUint16(name, uint16(tpm2.AlgSHA1))
	name = d.Sum(name)

	return &TPM12Key{
		Modulus: req.AIKModulus,
		PubKey:  pubKey,
		name:    name,
		pub: &rsa.PublicKey{
			N: new(big.Int).SetBytes(req.AIKModulus),
			E: 65537,
		},
	}, nil
}

func symKeySize(h crypto.Hash) int {
	if h == crypto.SHA1 {
		return 16
	}
	return 32
}

func randomBytes(rnd io.Reader, n int) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rnd, b); err != nil {
		return nil, err
	}
	return b, nil
}
