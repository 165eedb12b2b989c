package privacyca

import (
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/internal/tpmtest"
	"github.com/psanford/tpm-privacy-ca/messages"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingStore remembers the last challenge put, standing in for the
// host when the credential cannot be activated in software.
type recordingStore struct {
	ChallengeStore
	mu   sync.Mutex
	last *PendingChallenge
}

func (s *recordingStore) Put(p *PendingChallenge) (bool, error) {
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()
	return s.ChallengeStore.Put(p)
}

func (s *recordingStore) Last() *PendingChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type harness struct {
	clock        *fakeClock
	manufacturer *tpmtest.CA
	privacy      *tpmtest.CA
	ek           *rsa.PrivateKey
	ekCert       []byte
	store        *recordingStore
	fs           afero.Fs
	engine       *Engine
	issuer       *Issuer
	verifier     *Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lgr := log15.New()
	lgr.SetHandler(log15.DiscardHandler())

	h := &harness{
		clock:        newFakeClock(),
		manufacturer: tpmtest.NewCA(t, "Infineon OPTIGA(TM) RSA Root CA"),
		privacy:      tpmtest.NewCA(t, "Privacy CA"),
		ek:           tpmtest.NewEK(t),
		fs:           afero.NewMemMapFs(),
	}
	h.ekCert = h.manufacturer.ValidEK(t, &h.ek.PublicKey)

	certs := cacerts.NewStore()
	require.NoError(t, certs.AddDER(cacerts.KindEndorsement, "", h.manufacturer.Cert.Raw))
	trust := endorsement.NewTrustStore(certs, nil, nil, lgr)

	h.store = &recordingStore{ChallengeStore: NewMemoryChallengeStore(h.clock.Now, time.Minute)}
	h.engine = NewEngine(EngineConfig{
		Endorsements: trust,
		Challenges:   h.store,
		TTL:          5 * time.Minute,
		Now:          h.clock.Now,
		Logger:       lgr,
	})
	h.issuer = NewIssuer(IssuerConfig{
		Privacy: &Authority{Cert: h.privacy.Cert, Key: h.privacy.Key},
		Archive: NewFileArchive(h.fs, "/data"),
		Now:     h.clock.Now,
		Logger:  lgr,
	})
	h.verifier = NewVerifier(h.store, h.issuer, h.engine, lgr)
	return h
}

func identityRequest(aik *tpmtest.Key) messages.IdentityRequest {
	return messages.IdentityRequest{
		TPMVersion: messages.TPMVersion20,
		AIKModulus: aik.Public,
		AIKBlob:    []byte{0, 1, 2, 3},
		AIKName:    aik.Name,
	}
}
