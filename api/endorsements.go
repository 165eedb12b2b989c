package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/messages"
)

func (s *Server) createEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	var rec messages.TpmEndorsement
	if err := decodeJSON(w, r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.endorsements.Create(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/tpm-endorsements/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) searchEndorsementsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := endorsement.ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages.TpmEndorsementCollection{
		TpmEndorsements: s.endorsements.Search(filter),
	})
}

func (s *Server) retrieveEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.endorsements.Retrieve(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) replaceEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	var rec messages.TpmEndorsement
	if err := decodeJSON(w, r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.endorsements.Replace(mux.Vars(r)["id"], rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.endorsements.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeEndorsementHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.endorsements.Revoke(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
