package privacyca

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/psanford/tpm-privacy-ca/messages"
)

// seal wraps payload so that only the TPM holding ek, with key loaded, can
// recover it: the symmetric key is released by credential activation and
// the payload travels AES-CBC encrypted beside it.
func seal(key IdentityKey, ek crypto.PublicKey, payload []byte, rnd io.Reader) (*messages.IdentityProofRequest, error) {
	symKey, credential, asymBlob, err := key.wrapKey(ek, rnd)
	if err != nil {
		return nil, err
	}
	symBlob, err := encryptSymBlob(symKey, payload, rnd)
	if err != nil {
		return nil, fmt.Errorf("encrypt sym blob: %w", err)
	}
	ekBlob, err := x509.MarshalPKIXPublicKey(ek)
	if err != nil {
		return nil, fmt.Errorf("marshal ek: %w", err)
	}
	return &messages.IdentityProofRequest{
		AsymBlob:   asymBlob,
		SymBlob:    symBlob,
		EKBlob:     ekBlob,
		Credential: credential,
	}, nil
}

// challengePayload is H(name || secret) || secret.
func challengePayload(h crypto.Hash, name, secret []byte) []byte {
	d := h.New()
	d.Write(name)
	d.Write(secret)
	return append(d.Sum(nil), secret...)
}

// encryptSymBlob returns IV || AES-CBC(key, pkcs7(plaintext)).
func encryptSymBlob(key, plaintext []byte, rnd io.Reader) ([]byte, error) {
	cb, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	n := cb.BlockSize()
	iv, err := randomBytes(rnd, n)
	if err != nil {
		return nil, err
	}
	d := pkcs7Pad(plaintext, n)
	out := make([]byte, n+len(d))
	copy(out, iv)
	cipher.NewCBCEncrypter(cb, iv).CryptBlocks(out[n:], d)
	return out, nil
}

func pkcs7Pad(c []byte, n int) []byte {
	pad := n - len(c)%n
	out := make([]byte, 0, len(c)+pad)
	out = append(out, c...)
	return append(out, bytes.Repeat([]byte{byte(pad)}, pad)...)
}
