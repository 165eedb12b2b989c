package api

import (
	"net/http"

	"github.com/psanford/tpm-privacy-ca/messages"
	"github.com/psanford/tpm-privacy-ca/privacyca"
)

// endorseTpmHandler accepts the raw EK modulus as an octet stream, or an
// EndorseTpmRequest when the body is JSON.
func (s *Server) endorseTpmHandler(w http.ResponseWriter, r *http.Request) {
	var modulus []byte
	if isJSON(r) {
		var req messages.EndorseTpmRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		modulus = req.EKModulus
	} else {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		modulus = body
	}

	cert, err := s.issuer.IssueEK(modulus)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePEM(w, http.StatusOK, privacyca.PEM(cert.Raw))
}

func (s *Server) identityChallengeRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req messages.IdentityChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	proof, err := s.engine.IdentityChallenge(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) identityChallengeResponseHandler(w http.ResponseWriter, r *http.Request) {
	var resp messages.IdentityChallengeResponse
	if err := decodeJSON(w, r, &resp); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	ic, err := s.verifier.Verify(ctx, resp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	requestLogger(r).Info("aik_certificate_sealed", "serial", ic.Certificate.SerialNumber.String(), "challenge_id", ic.ChallengeID)
	writeJSON(w, http.StatusOK, ic.Reply)
}

func (s *Server) signingKeyEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	var req messages.SigningKeyEndorsementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	cert, err := s.issuer.EndorseSigningKey(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePEM(w, http.StatusOK, privacyca.PEM(cert.Raw))
}

func (s *Server) bindingKeyEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	var req messages.BindingKeyEndorsementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	cert, err := s.issuer.EndorseBindingKey(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePEM(w, http.StatusOK, privacyca.PEM(cert.Raw))
}
