// Package api serves the privacy CA REST interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/inconshreveable/log15"
	"github.com/psanford/logmiddleware"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
	"github.com/psanford/tpm-privacy-ca/privacyca"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypePEM      = "application/x-pem-file"
	ContentTypePKIXCert = "application/pkix-cert"
	ContentTypeOctet    = "application/octet-stream"

	DefaultRequestTimeout = 30 * time.Second
	maxBodySize           = 1 << 20
)

type Config struct {
	Engine       *privacyca.Engine
	Verifier     *privacyca.Verifier
	Issuer       *privacyca.Issuer
	CACerts      *cacerts.Store
	Endorsements *endorsement.Store
	// RequestTimeout bounds the challenge and response operations.
	RequestTimeout time.Duration
}

type Server struct {
	engine       *privacyca.Engine
	verifier     *privacyca.Verifier
	issuer       *privacyca.Issuer
	caCerts      *cacerts.Store
	endorsements *endorsement.Store
	timeout      time.Duration
}

func New(conf Config) *Server {
	s := &Server{
		engine:       conf.Engine,
		verifier:     conf.Verifier,
		issuer:       conf.Issuer,
		caCerts:      conf.CACerts,
		endorsements: conf.Endorsements,
		timeout:      conf.RequestTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}
	return s
}

// Handler returns the routed handler wrapped with per-request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ca-certificates", s.searchCaCertificatesHandler).Methods(http.MethodGet)
	r.HandleFunc("/ca-certificates/{id}", s.caCertificateHandler).Methods(http.MethodGet)

	pca := r.PathPrefix("/privacyca").Subrouter()
	pca.HandleFunc("/tpm-endorsement", s.endorseTpmHandler).Methods(http.MethodPost)
	pca.HandleFunc("/identity-challenge-request", s.identityChallengeRequestHandler).Methods(http.MethodPost)
	pca.HandleFunc("/identity-challenge-response", s.identityChallengeResponseHandler).Methods(http.MethodPost)
	pca.HandleFunc("/signing-key-endorsement", s.signingKeyEndorsementHandler).Methods(http.MethodPost)
	pca.HandleFunc("/binding-key-endorsement", s.bindingKeyEndorsementHandler).Methods(http.MethodPost)

	r.HandleFunc("/tpm-endorsements", s.createEndorsementHandler).Methods(http.MethodPost)
	r.HandleFunc("/tpm-endorsements", s.searchEndorsementsHandler).Methods(http.MethodGet)
	r.HandleFunc("/tpm-endorsements/{id}", s.retrieveEndorsementHandler).Methods(http.MethodGet)
	r.HandleFunc("/tpm-endorsements/{id}", s.replaceEndorsementHandler).Methods(http.MethodPut)
	r.HandleFunc("/tpm-endorsements/{id}", s.deleteEndorsementHandler).Methods(http.MethodDelete)
	r.HandleFunc("/tpm-endorsements/{id}/revoke", s.revokeEndorsementHandler).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errs.New(errs.NotFound, "no route for %s %s", r.Method, r.URL.Path))
	})

	return logmiddleware.New(r)
}

func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "decode json")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "read body")
	}
	return body, nil
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == ContentTypeJSON
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePEM(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", ContentTypePEM)
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	lgr := logmiddleware.LgrFromContext(r.Context())
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)

	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e.Msg != "" {
		msg = e.Msg
	}
	if status >= http.StatusInternalServerError {
		lgr.Error("request_err", "kind", kind, "status", status, "err", err)
		if kind == errs.Internal {
			msg = "internal error"
		}
	} else {
		lgr.Warn("request_rejected", "kind", kind, "status", status, "err", err)
	}

	writeJSON(w, status, messages.ErrorResponse{Error: kind.String(), Message: msg})
}

// requestLogger is used by handlers that log beyond errors.
func requestLogger(r *http.Request) log15.Logger {
	return logmiddleware.LgrFromContext(r.Context())
}
