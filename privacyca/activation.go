package privacyca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"io"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
)

const DefaultChallengeTTL = 5 * time.Minute

// EndorsementVerifier checks an endorsement certificate against the trusted
// manufacturer roots.
type EndorsementVerifier interface {
	VerifyEndorsement(der []byte) (*x509.Certificate, error)
}

// Engine builds identity challenges that only the TPM owning a trusted EK can
// answer.
type Engine struct {
	endorsements EndorsementVerifier
	challenges   ChallengeStore
	ttl          time.Duration
	now          func() time.Time
	rand         io.Reader
	lgr          log15.Logger
}

type EngineConfig struct {
	Endorsements EndorsementVerifier
	Challenges   ChallengeStore
	TTL          time.Duration
	Now          func() time.Time
	Rand         io.Reader
	Logger       log15.Logger
}

func NewEngine(conf EngineConfig) *Engine {
	e := &Engine{
		endorsements: conf.Endorsements,
		challenges:   conf.Challenges,
		ttl:          conf.TTL,
		now:          conf.Now,
		rand:         conf.Rand,
		lgr:          conf.Logger,
	}
	if e.ttl <= 0 {
		e.ttl = DefaultChallengeTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	if e.lgr == nil {
		e.lgr = log15.New()
	}
	return e
}

// IdentityChallenge validates req and returns the encrypted challenge for
// the host's TPM, recording the expected secret under the AIK name.
func (e *Engine) IdentityChallenge(ctx context.Context, req messages.IdentityChallengeRequest) (*messages.IdentityProofRequest, error) {
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	ekCert, err := e.endorsements.VerifyEndorsement(req.EndorsementCertificate)
	if err != nil {
		return nil, err
	}
	ek, ok := ekCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.MalformedInput, "unsupported endorsement key type %T", ekCert.PublicKey)
	}

	key, err := ParseIdentityKey(req.IdentityRequest)
	if err != nil {
		return nil, err
	}
	if key.Version() == TPMVersion20 && len(req.IdentityRequest.AIKName) == 0 {
		return nil, errs.New(errs.MalformedIdentityRequest, "aik name is required for tpm 2.0")
	}

	secret, err := randomBytes(e.rand, key.Hash().Size())
	if err != nil {
		return nil, err
	}
	proof, err := seal(key, ek, challengePayload(key.Hash(), key.Name(), secret), e.rand)
	if err != nil {
		return nil, err
	}

	idBytes, err := randomBytes(e.rand, 20)
	if err != nil {
		return nil, err
	}
	id := hex.EncodeToString(idBytes)

	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	now := e.now()
	pending := &PendingChallenge{
		ID:        id,
		AIKName:   key.Name(),
		Secret:    secret,
		Version:   key.Version(),
		EK:        ek,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	superseded, err := e.challenges.Put(pending)
	if err != nil {
		return nil, err
	}
	aikName := hex.EncodeToString(key.Name())
	if superseded {
		e.lgr.Warn("challenge_superseded", "aik_name", aikName, "err", errs.New(errs.Conflict, "pending challenge replaced"))
	}
	e.lgr.Info("challenge_issued", "challenge_id", id, "aik_name", aikName, "tpm_version", key.Version(),
		"ek_subject", ekCert.Subject.String(), "expires_at", pending.ExpiresAt)

	proof.Secret = []byte(id)
	return proof, nil
}

// Seal wraps payload for the TPM holding ek with key loaded.
func (e *Engine) Seal(key IdentityKey, ek crypto.PublicKey, payload []byte) (*messages.IdentityProofRequest, error) {
	return seal(key, ek, payload, e.rand)
}
