package tpmtest

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/psanford/tpm-privacy-ca/messages"
)

// ActivateCredential performs what TPM2_ActivateCredential does inside the
// TPM: recover the seed with the EK, derive the storage and integrity keys
// bound to the AIK name, check the HMAC and decrypt the credential secret.
func ActivateCredential(ek *rsa.PrivateKey, aikName, credential, encSecret []byte) ([]byte, error) {
	if len(aikName) < 2 {
		return nil, errors.New("short aik name")
	}
	alg := tpm2.Algorithm(binary.BigEndian.Uint16(aikName))
	h, err := alg.Hash()
	if err != nil {
		return nil, err
	}

	seed, err := rsa.DecryptOAEP(h.New(), rand.Reader, ek, strip2B(encSecret), []byte("IDENTITY\x00"))
	if err != nil {
		return nil, fmt.Errorf("decrypt seed: %w", err)
	}

	idObject := strip2B(credential)
	if len(idObject) < 2 {
		return nil, errors.New("short id object")
	}
	hmacSize := int(binary.BigEndian.Uint16(idObject))
	if len(idObject) < 2+hmacSize {
		return nil, errors.New("short integrity hmac")
	}
	integrity := idObject[2 : 2+hmacSize]
	encIdentity := idObject[2+hmacSize:]

	hmacKey, err := tpm2.KDFa(alg, seed, "INTEGRITY", nil, nil, h.Size()*8)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h.New, hmacKey)
	mac.Write(encIdentity)
	mac.Write(aikName)
	if !hmac.Equal(mac.Sum(nil), integrity) {
		return nil, errors.New("credential integrity check failed")
	}

	symKey, err := tpm2.KDFa(alg, seed, "STORAGE", aikName, nil, len(seed)*8)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(encIdentity))
	cipher.NewCFBDecrypter(block, make([]byte, block.BlockSize())).XORKeyStream(plain, encIdentity)
	return strip2B(plain), nil
}

// OpenChallenge activates the credential and unwraps the challenge secret
// from the symmetric blob, checking its binding digest.
func OpenChallenge(ek *rsa.PrivateKey, aikName []byte, proof *messages.IdentityProofRequest) ([]byte, error) {
	payload, err := open(ek, aikName, proof)
	if err != nil {
		return nil, err
	}
	h, err := tpm2.Algorithm(binary.BigEndian.Uint16(aikName)).Hash()
	if err != nil {
		return nil, err
	}
	if len(payload) != 2*h.Size() {
		return nil, fmt.Errorf("unexpected challenge payload length %d", len(payload))
	}
	digest, secret := payload[:h.Size()], payload[h.Size():]
	d := h.New()
	d.Write(aikName)
	d.Write(secret)
	if !bytes.Equal(d.Sum(nil), digest) {
		return nil, errors.New("challenge digest mismatch")
	}
	return secret, nil
}

// OpenCertificate recovers the DER certificate sealed in an issuance reply.
func OpenCertificate(ek *rsa.PrivateKey, aikName []byte, proof *messages.IdentityProofRequest) ([]byte, error) {
	return open(ek, aikName, proof)
}

func open(ek *rsa.PrivateKey, aikName []byte, proof *messages.IdentityProofRequest) ([]byte, error) {
	key, err := ActivateCredential(ek, aikName, proof.Credential, proof.AsymBlob)
	if err != nil {
		return nil, err
	}
	return DecryptSymBlob(key, proof.SymBlob)
}

// DecryptSymBlob reverses IV || AES-CBC-PKCS7(key, payload).
func DecryptSymBlob(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(blob) < 2*bs || len(blob)%bs != 0 {
		return nil, errors.New("bad sym blob length")
	}
	iv, ct := blob[:bs], blob[bs:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs {
		return nil, errors.New("bad padding")
	}
	return plain[:len(plain)-pad], nil
}

func strip2B(b []byte) []byte {
	if len(b) >= 2 && int(binary.BigEndian.Uint16(b)) == len(b)-2 {
		return b[2:]
	}
	return b
}
