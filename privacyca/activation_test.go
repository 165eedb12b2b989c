package privacyca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/internal/tpmtest"
	"github.com/psanford/tpm-privacy-ca/messages"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityActivationRoundTrip(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	ctx := context.Background()

	proof, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{
		IdentityRequest:        identityRequest(aik),
		EndorsementCertificate: h.ekCert,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Len())

	secret, err := tpmtest.OpenChallenge(h.ek, aik.Name, proof)
	require.NoError(t, err)
	assert.Len(t, secret, 32)
	assert.NotEqual(t, secret, proof.Secret)

	ekPub, err := x509.ParsePKIXPublicKey(proof.EKBlob)
	require.NoError(t, err)
	assert.True(t, h.ek.PublicKey.Equal(ekPub))

	resp := messages.IdentityChallengeResponse{
		IdentityRequest:     identityRequest(aik),
		ResponseToChallenge: secret,
	}
	ic, err := h.verifier.Verify(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, 0, h.store.Len())

	cert := ic.Certificate
	require.NoError(t, cert.CheckSignatureFrom(h.privacy.Cert))
	assert.Equal(t, aik.Name[2:], cert.SubjectKeyId)
	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.KeyUsage)
	assert.True(t, aik.Priv.PublicKey.Equal(cert.PublicKey))
	assert.Regexp(t, `^aik-\d+$`, cert.Subject.CommonName)
	assert.Equal(t, proof.Secret, ic.Reply.Secret)

	sealed, err := tpmtest.OpenCertificate(h.ek, aik.Name, ic.Reply)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, sealed)

	exists, err := afero.Exists(h.fs, "/data/issued/aik/"+cert.SerialNumber.Text(16)+".pem")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = h.verifier.Verify(ctx, resp)
	assert.True(t, errs.Is(err, errs.ChallengeNotFound), "got %v", err)
}

func TestChallengeExpired(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	ctx := context.Background()

	proof, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{
		IdentityRequest:        identityRequest(aik),
		EndorsementCertificate: h.ekCert,
	})
	require.NoError(t, err)
	secret, err := tpmtest.OpenChallenge(h.ek, aik.Name, proof)
	require.NoError(t, err)

	h.clock.Advance(5*time.Minute + time.Second)

	resp := messages.IdentityChallengeResponse{IdentityRequest: identityRequest(aik), ResponseToChallenge: secret}
	_, err = h.verifier.Verify(ctx, resp)
	assert.True(t, errs.Is(err, errs.ChallengeExpired), "got %v", err)

	exists, err := afero.DirExists(h.fs, "/data/issued/aik")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = h.verifier.Verify(ctx, resp)
	assert.True(t, errs.Is(err, errs.ChallengeNotFound), "got %v", err)
}

func TestWrongSecretConsumesChallenge(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	ctx := context.Background()

	proof, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{
		IdentityRequest:        identityRequest(aik),
		EndorsementCertificate: h.ekCert,
	})
	require.NoError(t, err)
	secret, err := tpmtest.OpenChallenge(h.ek, aik.Name, proof)
	require.NoError(t, err)

	wrong := append([]byte(nil), secret...)
	wrong[0] ^= 0xff
	_, err = h.verifier.Verify(ctx, messages.IdentityChallengeResponse{IdentityRequest: identityRequest(aik), ResponseToChallenge: wrong})
	assert.True(t, errs.Is(err, errs.ProofInvalid), "got %v", err)

	_, err = h.verifier.Verify(ctx, messages.IdentityChallengeResponse{IdentityRequest: identityRequest(aik), ResponseToChallenge: secret})
	assert.True(t, errs.Is(err, errs.ChallengeNotFound), "got %v", err)
}

func TestNameBindingMismatch(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	ctx := context.Background()

	req := identityRequest(aik)
	req.AIKName = append([]byte(nil), aik.Name...)
	req.AIKName[len(req.AIKName)-1] ^= 1

	_, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{IdentityRequest: req, EndorsementCertificate: h.ekCert})
	assert.True(t, errs.Is(err, errs.NameBindingMismatch), "got %v", err)
	assert.Equal(t, 0, h.store.Len())

	other := tpmtest.NewAIK(t)
	req = identityRequest(aik)
	req.AIKName = other.Name
	_, err = h.verifier.Verify(ctx, messages.IdentityChallengeResponse{IdentityRequest: req, ResponseToChallenge: make([]byte, 32)})
	assert.True(t, errs.Is(err, errs.NameBindingMismatch), "got %v", err)
}

func TestIdentityChallengeRejects(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	stranger := tpmtest.NewCA(t, "Unknown Manufacturer")

	noName := identityRequest(aik)
	noName.AIKName = nil

	badVersion := identityRequest(aik)
	badVersion.TPMVersion = "2.1TEST"

	signingKey := tpmtest.NewSigningKey(t)

	tests := []struct {
		name string
		req  messages.IdentityChallengeRequest
		kind errs.Kind
	}{
		{"untrusted ek", messages.IdentityChallengeRequest{IdentityRequest: identityRequest(aik), EndorsementCertificate: stranger.ValidEK(t, &h.ek.PublicKey)}, errs.UntrustedEndorsement},
		{"garbage ek", messages.IdentityChallengeRequest{IdentityRequest: identityRequest(aik), EndorsementCertificate: []byte{4, 4, 4, 4}}, errs.MalformedInput},
		{"missing aik name", messages.IdentityChallengeRequest{IdentityRequest: noName, EndorsementCertificate: h.ekCert}, errs.MalformedIdentityRequest},
		{"unsupported version", messages.IdentityChallengeRequest{IdentityRequest: badVersion, EndorsementCertificate: h.ekCert}, errs.UnsupportedTpmVersion},
		{"garbage public area", messages.IdentityChallengeRequest{
			IdentityRequest:        messages.IdentityRequest{TPMVersion: "2.0", AIKModulus: []byte{0, 1, 2, 3}, AIKName: []byte("HIS_Identity_Key")},
			EndorsementCertificate: h.ekCert,
		}, errs.MalformedIdentityRequest},
		{"unrestricted key", messages.IdentityChallengeRequest{IdentityRequest: identityRequest(signingKey), EndorsementCertificate: h.ekCert}, errs.MalformedIdentityRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.IdentityChallenge(context.Background(), tt.req)
			assert.True(t, errs.Is(err, tt.kind), "got %v", err)
		})
	}
	assert.Equal(t, 0, h.store.Len())
}

func TestNewChallengeSupersedes(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	ctx := context.Background()
	req := messages.IdentityChallengeRequest{IdentityRequest: identityRequest(aik), EndorsementCertificate: h.ekCert}

	first, err := h.engine.IdentityChallenge(ctx, req)
	require.NoError(t, err)
	second, err := h.engine.IdentityChallenge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Len())
	assert.NotEqual(t, first.Secret, second.Secret)

	firstSecret, err := tpmtest.OpenChallenge(h.ek, aik.Name, first)
	require.NoError(t, err)
	_, err = h.verifier.Verify(ctx, messages.IdentityChallengeResponse{IdentityRequest: identityRequest(aik), ResponseToChallenge: firstSecret})
	assert.True(t, errs.Is(err, errs.ProofInvalid), "got %v", err)
}

func TestConcurrentResponsesSucceedOnce(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)
	ctx := context.Background()

	proof, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{
		IdentityRequest:        identityRequest(aik),
		EndorsementCertificate: h.ekCert,
	})
	require.NoError(t, err)
	secret, err := tpmtest.OpenChallenge(h.ek, aik.Name, proof)
	require.NoError(t, err)

	const n = 8
	results := make([]error, n)
	var start, wg sync.WaitGroup
	start.Add(1)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			_, results[i] = h.verifier.Verify(ctx, messages.IdentityChallengeResponse{
				IdentityRequest:     identityRequest(aik),
				ResponseToChallenge: secret,
			})
		}(i)
	}
	start.Done()
	wg.Wait()

	var ok, notFound int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errs.Is(err, errs.ChallengeNotFound):
			notFound++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, notFound)
}

func TestTPM12Activation(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewEK(t)
	ctx := context.Background()

	req := messages.IdentityRequest{
		TPMVersion: messages.TPMVersion12,
		AIKModulus: aik.PublicKey.N.Bytes(),
		// ignored for 1.2
		AIKName: []byte("HIS_Identity_Key"),
	}
	proof, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{IdentityRequest: req, EndorsementCertificate: h.ekCert})
	require.NoError(t, err)
	assert.NotEmpty(t, proof.AsymBlob)
	assert.NotEmpty(t, proof.Credential)
	assert.NotEmpty(t, proof.SymBlob)

	pending := h.store.Last()
	require.NotNil(t, pending)
	assert.Equal(t, TPMVersion12, pending.Version)
	assert.Len(t, pending.Secret, 20)

	ic, err := h.verifier.Verify(ctx, messages.IdentityChallengeResponse{IdentityRequest: req, ResponseToChallenge: pending.Secret})
	require.NoError(t, err)
	assert.True(t, aik.PublicKey.Equal(ic.Certificate.PublicKey))
	assert.NotEmpty(t, ic.Reply.Credential)
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t)
	aik := tpmtest.NewAIK(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.IdentityChallenge(ctx, messages.IdentityChallengeRequest{IdentityRequest: identityRequest(aik), EndorsementCertificate: h.ekCert})
	assert.True(t, errs.Is(err, errs.Timeout), "got %v", err)
	assert.Equal(t, 0, h.store.Len())

	_, err = h.verifier.Verify(ctx, messages.IdentityChallengeResponse{IdentityRequest: identityRequest(aik)})
	assert.True(t, errs.Is(err, errs.Timeout), "got %v", err)
}

func TestEnvelopePadding(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	for _, n := range []int{0, 1, 15, 16, 17, 64} {
		payload := make([]byte, n)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		blob, err := encryptSymBlob(key, payload, nil)
		require.NoError(t, err)
		assert.Zero(t, len(blob)%16)

		got, err := tpmtest.DecryptSymBlob(key, blob)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}
