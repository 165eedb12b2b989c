package privacyca

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"

	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
)

// IdentityCertificate is the result of a successful proof: the AIK
// certificate and the same certificate sealed for the requesting TPM.
type IdentityCertificate struct {
	Certificate *x509.Certificate
	AIKName     []byte
	ChallengeID string
	Reply       *messages.IdentityProofRequest
}

// Verifier matches identity challenge responses to pending challenges and
// issues AIK certificates.
type Verifier struct {
	challenges ChallengeStore
	issuer     *Issuer
	engine     *Engine
	lgr        log15.Logger
}

func NewVerifier(challenges ChallengeStore, issuer *Issuer, engine *Engine, lgr log15.Logger) *Verifier {
	if lgr == nil {
		lgr = log15.New()
	}
	return &Verifier{
		challenges: challenges,
		issuer:     issuer,
		engine:     engine,
		lgr:        lgr,
	}
}

// Verify consumes the pending challenge for the response's AIK. A wrong
// secret still consumes it.
func (v *Verifier) Verify(ctx context.Context, resp messages.IdentityChallengeResponse) (*IdentityCertificate, error) {
	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	key, err := ParseIdentityKey(resp.IdentityRequest)
	if err != nil {
		return nil, err
	}
	aikName := hex.EncodeToString(key.Name())
	lgr := v.lgr.New("aik_name", aikName)

	pending, err := v.challenges.Take(key.Name())
	if err != nil {
		lgr.Warn("take_challenge_err", "err", err)
		return nil, err
	}
	lgr = lgr.New("challenge_id", pending.ID)

	if pending.Version != key.Version() {
		lgr.Warn("tpm_version_mismatch", "pending", pending.Version, "got", key.Version())
		return nil, errs.New(errs.ProofInvalid, "tpm version changed between challenge and response")
	}
	if subtle.ConstantTimeCompare(resp.ResponseToChallenge, pending.Secret) != 1 {
		lgr.Warn("bad_secret")
		return nil, errs.New(errs.ProofInvalid, "challenge response does not match")
	}

	if err := errs.FromContext(ctx); err != nil {
		return nil, err
	}

	cert, err := v.issuer.IssueAIK(key)
	if err != nil {
		lgr.Error("issue_aik_err", "err", err)
		return nil, err
	}
	reply, err := v.engine.Seal(key, pending.EK, cert.Raw)
	if err != nil {
		lgr.Error("seal_cert_err", "err", err)
		return nil, err
	}
	reply.Secret = []byte(pending.ID)

	lgr.Info("identity_proof_accepted", "serial", cert.SerialNumber.String())

	return &IdentityCertificate{
		Certificate: cert,
		AIKName:     key.Name(),
		ChallengeID: pending.ID,
		Reply:       reply,
	}, nil
}
