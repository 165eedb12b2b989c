package privacyca

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/go-tpm/tpm2"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
)

// Encryption schemes accepted for binding keys.
const (
	EncSchemeOAEP      = uint16(tpm2.AlgOAEP)
	EncSchemeTPM12OAEP = 0x0003
)

type keyEndorsement struct {
	kind          CertKind
	publicArea    []byte
	certifyInfo   []byte
	certifySig    []byte
	aikCert       []byte
	nameDigest    []byte
	tpmVersion    string
	requiredAttrs tpm2.KeyProp
	forbidAttrs   tpm2.KeyProp
	usage         x509.KeyUsage
}

// EndorseSigningKey certifies a TPM signing key that the caller's AIK has
// certified with TPM2_Certify.
func (i *Issuer) EndorseSigningKey(ctx context.Context, req messages.SigningKeyEndorsementRequest) (*x509.Certificate, error) {
	return i.endorseKey(ctx, keyEndorsement{
		kind:          CertKindSigning,
		publicArea:    req.PublicKeyModulus,
		certifyInfo:   req.TPMCertifyKey,
		certifySig:    req.TPMCertifyKeySignature,
		aikCert:       req.AIKDerCertificate,
		nameDigest:    req.NameDigest,
		tpmVersion:    req.TPMVersion,
		requiredAttrs: tpm2.FlagFixedTPM | tpm2.FlagSign,
		forbidAttrs:   tpm2.FlagDecrypt,
		usage:         x509.KeyUsageDigitalSignature,
	})
}

// EndorseBindingKey certifies a TPM decryption key. Only OAEP binding keys
// are accepted.
func (i *Issuer) EndorseBindingKey(ctx context.Context, req messages.BindingKeyEndorsementRequest) (*x509.Certificate, error) {
	if req.EncryptionScheme != EncSchemeOAEP && req.EncryptionScheme != EncSchemeTPM12OAEP {
		return nil, errs.New(errs.MalformedInput, "unsupported binding key encryption scheme 0x%04x", req.EncryptionScheme)
	}
	return i.endorseKey(ctx, keyEndorsement{
		kind:          CertKindBinding,
		publicArea:    req.PublicKeyModulus,
		certifyInfo:   req.TPMCertifyKey,
		certifySig:    req.TPMCertifyKeySignature,
		aikCert:       req.AIKDerCertificate,
		nameDigest:    req.NameDigest,
		tpmVersion:    req.TPMVersion,
		requiredAttrs: tpm2.FlagFixedTPM | tpm2.FlagDecrypt,
		forbidAttrs:   tpm2.FlagSign,
		usage:         x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
	})
}

func (i *Issuer) endorseKey(ctx context.Context, req keyEndorsement) (*x509.Certificate, error) {
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}
	version, err := ParseTPMVersion(req.tpmVersion)
	if err != nil {
		return nil, err
	}
	if version != TPMVersion20 {
		return nil, errs.New(errs.UnsupportedTpmVersion, "%s key endorsement requires tpm 2.0", req.kind)
	}

	aikCert, err := x509.ParseCertificate(req.aikCert)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "parse aik certificate")
	}
	if err := aikCert.CheckSignatureFrom(i.privacy.Cert); err != nil {
		return nil, errs.Wrap(errs.UntrustedEndorsement, err, "aik certificate not issued by this privacy ca")
	}
	if !cacerts.HasKeyPurpose(aikCert, cacerts.OIDAIKCertificate) {
		return nil, errs.New(errs.UntrustedEndorsement, "certificate is not an aik certificate")
	}
	now := i.now()
	if now.Before(aikCert.NotBefore) || now.After(aikCert.NotAfter) {
		return nil, errs.New(errs.UntrustedEndorsement, "aik certificate outside its validity window")
	}
	aikPub, ok := aikCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.MalformedInput, "unsupported aik key type %T", aikCert.PublicKey)
	}

	pub, err := tpm2.DecodePublic(req.publicArea)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "decode key public area")
	}
	if pub.Attributes&req.requiredAttrs != req.requiredAttrs || pub.Attributes&req.forbidAttrs != 0 {
		return nil, errs.New(errs.MalformedInput, "key attributes 0x%08x not valid for a %s key", uint32(pub.Attributes), req.kind)
	}
	name, err := publicName(pub.NameAlg, req.publicArea)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "key name algorithm")
	}
	if !bytes.Equal(name, req.nameDigest) {
		return nil, errs.New(errs.NameBindingMismatch, "name digest does not match key public area")
	}

	ad, err := tpm2.DecodeAttestationData(req.certifyInfo)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "decode certify info")
	}
	if ad.Type != tpm2.TagAttestCertify || ad.AttestedCertifyInfo == nil || ad.AttestedCertifyInfo.Name.Digest == nil {
		return nil, errs.New(errs.MalformedInput, "certify info is not a key certification")
	}
	certified := ad.AttestedCertifyInfo.Name.Digest
	certifiedName := make([]byte, 2, 2+len(certified.Value))
	binary.BigEndian.PutUint16(certifiedName, uint16(certified.Alg))
	certifiedName = append(certifiedName, certified.Value...)
	if !bytes.Equal(certifiedName, name) {
		return nil, errs.New(errs.NameBindingMismatch, "certified name does not match key public area")
	}

	sig, err := tpm2.DecodeSignature(bytes.NewBuffer(req.certifySig))
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "decode certify signature")
	}
	if sig.Alg != tpm2.AlgRSASSA || sig.RSA == nil {
		return nil, errs.New(errs.MalformedInput, "unsupported certify signature algorithm %v", sig.Alg)
	}
	h, err := sig.RSA.HashAlg.Hash()
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "certify signature hash")
	}
	d := h.New()
	d.Write(req.certifyInfo)
	if err := rsa.VerifyPKCS1v15(aikPub, h, d.Sum(nil), sig.RSA.Signature); err != nil {
		return nil, errs.Wrap(errs.ProofInvalid, err, "certify signature does not verify with aik")
	}

	key, err := pub.Key()
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "key public area")
	}
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	cert, err := i.issueKey(req.kind, key, req.usage, name[2:])
	if err != nil {
		return nil, err
	}
	i.lgr.Info("key_endorsed", "kind", req.kind, "name", hex.EncodeToString(name), "aik_serial", aikCert.SerialNumber.String())
	return cert, nil
}

func publicName(alg tpm2.Algorithm, public []byte) ([]byte, error) {
	h, err := alg.Hash()
	if err != nil {
		return nil, err
	}
	d := h.New()
	d.Write(public)
	name := make([]byte, 2, 2+h.Size())
	binary.BigEndian.PutUint16(name, uint16(alg))
	return d.Sum(name), nil
}
