package client

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/internal/pcatest"
	"github.com/psanford/tpm-privacy-ca/internal/tpmtest"
	"github.com/psanford/tpm-privacy-ca/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *pcatest.Server) {
	s := pcatest.NewServer(t)
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(ts.Close)
	return New(ts.URL+"/", ts.Client()), s
}

func TestIdentityActivation(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()
	aik := tpmtest.NewAIK(t)
	idReq := messages.IdentityRequest{TPMVersion: messages.TPMVersion20, AIKModulus: aik.Public, AIKName: aik.Name}

	proof, err := c.IdentityChallengeRequest(ctx, messages.IdentityChallengeRequest{
		IdentityRequest:        idReq,
		EndorsementCertificate: s.EKCert,
	})
	require.NoError(t, err)

	secret, err := tpmtest.OpenChallenge(s.EK, aik.Name, proof)
	require.NoError(t, err)

	reply, err := c.IdentityChallengeResponse(ctx, messages.IdentityChallengeResponse{IdentityRequest: idReq, ResponseToChallenge: secret})
	require.NoError(t, err)
	der, err := tpmtest.OpenCertificate(s.EK, aik.Name, reply)
	require.NoError(t, err)
	_, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	_, err = c.IdentityChallengeResponse(ctx, messages.IdentityChallengeResponse{IdentityRequest: idReq, ResponseToChallenge: secret})
	assert.True(t, errs.Is(err, errs.ChallengeNotFound), "got %v", err)
}

func TestEndorseTpm(t *testing.T) {
	c, s := newTestClient(t)
	ek := tpmtest.NewEK(t)

	certPEM, err := c.EndorseTpm(context.Background(), ek.PublicKey.N.Bytes())
	require.NoError(t, err)
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.NoError(t, cert.CheckSignatureFrom(s.EndorsementCA.Cert))

	_, err = c.EndorseTpm(context.Background(), []byte{1})
	assert.True(t, errs.Is(err, errs.MalformedInput), "got %v", err)
}

func TestCaCertificates(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	root, err := c.RetrieveCaCertificate(ctx, "root")
	require.NoError(t, err)
	block, _ := pem.Decode(root)
	require.NotNil(t, block)
	assert.Equal(t, s.Root.Cert.Raw, block.Bytes)

	_, err = c.RetrieveCaCertificate(ctx, "tls")
	assert.True(t, errs.Is(err, errs.NotFound), "got %v", err)

	def, err := c.SearchCaCertificatesPem(ctx, "", "")
	require.NoError(t, err)
	explicit, err := c.SearchCaCertificatesPem(ctx, "", "ek")
	require.NoError(t, err)
	assert.Equal(t, explicit, def)
}

func TestTpmEndorsements(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()
	host := uuid.New().String()

	created, err := c.CreateTpmEndorsement(ctx, messages.TpmEndorsement{HardwareUUID: host, Certificate: s.EKCert})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := c.RetrieveTpmEndorsement(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	got.Comment = "moved to rack 4"
	stored, err := c.StoreTpmEndorsement(ctx, *got)
	require.NoError(t, err)
	assert.Equal(t, "moved to rack 4", stored.Comment)

	_, err = c.StoreTpmEndorsement(ctx, messages.TpmEndorsement{HardwareUUID: host})
	assert.True(t, errs.Is(err, errs.MalformedInput))

	revoked, err := c.RevokeTpmEndorsement(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	coll, err := c.SearchTpmEndorsements(ctx, endorsement.Filter{HardwareUUIDEqualTo: host, RevokedEqualTo: endorsement.Bool(false)})
	require.NoError(t, err)
	assert.Empty(t, coll.TpmEndorsements)

	coll, err = c.SearchTpmEndorsements(ctx, endorsement.Filter{CommentContains: "rack"})
	require.NoError(t, err)
	assert.Len(t, coll.TpmEndorsements, 1)

	require.NoError(t, c.DeleteTpmEndorsement(ctx, created.ID))
	err = c.DeleteTpmEndorsement(ctx, created.ID)
	assert.True(t, errs.Is(err, errs.NotFound), "got %v", err)
}
