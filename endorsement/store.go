package endorsement

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
	"github.com/spf13/afero"
)

const partition = "tpm-endorsements"

// Store holds per-device endorsement records, written through to
// <dir>/tpm-endorsements/<id>.json.
type Store struct {
	fs  afero.Fs
	dir string
	lgr log15.Logger

	mu      sync.RWMutex
	records map[string]messages.TpmEndorsement
}

// OpenStore loads any records already present under dir.
func OpenStore(fs afero.Fs, dir string, lgr log15.Logger) (*Store, error) {
	if lgr == nil {
		lgr = log15.New()
	}
	s := &Store{
		fs:      fs,
		dir:     path.Join(dir, partition),
		lgr:     lgr,
		records: make(map[string]messages.TpmEndorsement),
	}
	if err := fs.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(fs, s.dir)
	if err != nil {
		return nil, err
	}
	for _, fi := range entries {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(fs, path.Join(s.dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		var rec messages.TpmEndorsement
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", fi.Name(), err)
		}
		s.records[rec.ID] = rec
	}
	return s, nil
}

func (s *Store) Create(rec messages.TpmEndorsement) (messages.TpmEndorsement, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := s.validate(&rec); err != nil {
		return messages.TpmEndorsement{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return messages.TpmEndorsement{}, errs.New(errs.Conflict, "tpm endorsement %s already exists", rec.ID)
	}
	if err := s.write(rec); err != nil {
		return messages.TpmEndorsement{}, err
	}
	s.records[rec.ID] = rec
	s.lgr.Info("endorsement_created", "id", rec.ID, "hardware_uuid", rec.HardwareUUID, "issuer", rec.Issuer)
	return rec, nil
}

func (s *Store) Retrieve(id string) (messages.TpmEndorsement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return messages.TpmEndorsement{}, errs.New(errs.NotFound, "tpm endorsement %s not found", id)
	}
	return rec, nil
}

// Replace overwrites the record with the given id.
func (s *Store) Replace(id string, rec messages.TpmEndorsement) (messages.TpmEndorsement, error) {
	if rec.ID != "" && rec.ID != id {
		return messages.TpmEndorsement{}, errs.New(errs.MalformedInput, "record id %s does not match path id %s", rec.ID, id)
	}
	rec.ID = id
	if err := s.validate(&rec); err != nil {
		return messages.TpmEndorsement{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return messages.TpmEndorsement{}, errs.New(errs.NotFound, "tpm endorsement %s not found", id)
	}
	if err := s.write(rec); err != nil {
		return messages.TpmEndorsement{}, err
	}
	s.records[id] = rec
	s.lgr.Info("endorsement_replaced", "id", id, "revoked", rec.Revoked)
	return rec, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return errs.New(errs.NotFound, "tpm endorsement %s not found", id)
	}
	if err := s.fs.Remove(s.file(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.records, id)
	s.lgr.Info("endorsement_deleted", "id", id)
	return nil
}

// Revoke sets the revoked flag; the record is kept.
func (s *Store) Revoke(id string) (messages.TpmEndorsement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return messages.TpmEndorsement{}, errs.New(errs.NotFound, "tpm endorsement %s not found", id)
	}
	rec.Revoked = true
	if err := s.write(rec); err != nil {
		return messages.TpmEndorsement{}, err
	}
	s.records[id] = rec
	s.lgr.Info("endorsement_revoked", "id", id, "hardware_uuid", rec.HardwareUUID)
	return rec, nil
}

// Search returns matching records ordered by hardware uuid then id.
func (s *Store) Search(f Filter) []messages.TpmEndorsement {
	s.mu.RLock()
	out := make([]messages.TpmEndorsement, 0)
	for _, rec := range s.records {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HardwareUUID != out[j].HardwareUUID {
			return out[i].HardwareUUID < out[j].HardwareUUID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsRevoked reports whether cert is recorded against a revoked endorsement.
func (s *Store) IsRevoked(cert *x509.Certificate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Revoked && bytes.Equal(rec.Certificate, cert.Raw) {
			return true
		}
	}
	return false
}

func (s *Store) validate(rec *messages.TpmEndorsement) error {
	if _, err := uuid.Parse(rec.ID); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "id")
	}
	if _, err := uuid.Parse(rec.HardwareUUID); err != nil {
		return errs.Wrap(errs.MalformedInput, err, "hardwareUuid")
	}
	if len(rec.Certificate) > 0 {
		cert, err := x509.ParseCertificate(rec.Certificate)
		if err != nil {
			return errs.Wrap(errs.MalformedInput, err, "certificate")
		}
		if rec.Issuer == "" {
			rec.Issuer = cert.Issuer.String()
		}
	}
	if rec.Issuer == "" {
		return errs.New(errs.MalformedInput, "issuer is required")
	}
	return nil
}

func (s *Store) file(id string) string {
	return path.Join(s.dir, id+".json")
}

func (s *Store) write(rec messages.TpmEndorsement) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, s.file(rec.ID), data, 0600); err != nil {
		s.lgr.Error("write_endorsement_err", "id", rec.ID, "err", err)
		return err
	}
	return nil
}
