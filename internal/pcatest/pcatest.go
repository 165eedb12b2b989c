// Package pcatest assembles a complete privacy CA for handler and client
// tests.
package pcatest

import (
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/api"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/internal/tpmtest"
	"github.com/psanford/tpm-privacy-ca/privacyca"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type Server struct {
	Handler       http.Handler
	Manufacturer  *tpmtest.CA
	Privacy       *tpmtest.CA
	EndorsementCA *tpmtest.CA
	Root          *tpmtest.CA
	EK            *rsa.PrivateKey
	EKCert        []byte
	CACerts       *cacerts.Store
	Endorsements  *endorsement.Store
	Fs            afero.Fs
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	log15.Root().SetHandler(log15.DiscardHandler())
	lgr := log15.New()

	s := &Server{
		Manufacturer:  tpmtest.NewCA(t, "Infineon OPTIGA(TM) RSA Root CA"),
		Privacy:       tpmtest.NewCA(t, "Privacy CA"),
		EndorsementCA: tpmtest.NewCA(t, "Endorsement CA"),
		Root:          tpmtest.NewCA(t, "Root CA"),
		EK:            tpmtest.NewEK(t),
		Fs:            afero.NewMemMapFs(),
		CACerts:       cacerts.NewStore(),
	}
	s.EKCert = s.Manufacturer.ValidEK(t, &s.EK.PublicKey)

	require.NoError(t, s.CACerts.AddDER(cacerts.KindRoot, "", s.Root.Cert.Raw))
	require.NoError(t, s.CACerts.AddDER(cacerts.KindPrivacy, "", s.Privacy.Cert.Raw))
	require.NoError(t, s.CACerts.AddDER(cacerts.KindEndorsement, "", s.Manufacturer.Cert.Raw))
	require.NoError(t, s.CACerts.AddDER(cacerts.KindEndorsement, "", s.EndorsementCA.Cert.Raw))

	var err error
	s.Endorsements, err = endorsement.OpenStore(s.Fs, "/data", lgr)
	require.NoError(t, err)

	trust := endorsement.NewTrustStore(s.CACerts, s.Endorsements, nil, lgr)
	challenges := privacyca.NewMemoryChallengeStore(nil, time.Minute)
	engine := privacyca.NewEngine(privacyca.EngineConfig{
		Endorsements: trust,
		Challenges:   challenges,
		Logger:       lgr,
	})
	issuer := privacyca.NewIssuer(privacyca.IssuerConfig{
		Privacy:     &privacyca.Authority{Cert: s.Privacy.Cert, Key: s.Privacy.Key},
		Endorsement: &privacyca.Authority{Cert: s.EndorsementCA.Cert, Key: s.EndorsementCA.Key},
		Archive:     privacyca.NewFileArchive(s.Fs, "/data"),
		Logger:      lgr,
	})

	s.Handler = api.New(api.Config{
		Engine:       engine,
		Verifier:     privacyca.NewVerifier(challenges, issuer, engine, lgr),
		Issuer:       issuer,
		CACerts:      s.CACerts,
		Endorsements: s.Endorsements,
	}).Handler()
	return s
}
