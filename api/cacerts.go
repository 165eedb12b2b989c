package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/psanford/tpm-privacy-ca/cacerts"
	"github.com/psanford/tpm-privacy-ca/errs"
)

func (s *Server) caCertificateHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	kind, err := cacerts.ParseKind(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if kind.Scoped() {
		writeError(w, r, errs.New(errs.NotFound, "%s certificates are listed with /ca-certificates?id=%s", kind, kind))
		return
	}

	cert, err := s.caCerts.Get(kind)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), ContentTypePKIXCert) {
		w.Header().Set("Content-Type", ContentTypePKIXCert)
		w.Write(cert.Raw)
		return
	}
	writePEM(w, http.StatusOK, cert.PEM())
}

func (s *Server) searchCaCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var kind cacerts.Kind
	if id := q.Get("id"); id != "" {
		var err error
		kind, err = cacerts.ParseKind(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	writePEM(w, http.StatusOK, cacerts.ConcatPEM(s.caCerts.Search(kind, q.Get("domain"))))
}
