// Package cacerts holds the CA's own certificates: the root, privacy, saml
// and tls singletons plus domain-scoped sets of endorsement roots.
package cacerts

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"sync"

	"github.com/psanford/tpm-privacy-ca/errs"
)

// DefaultDomain is used by Search when neither kind nor domain is given, and
// for ek/endorsement certificates registered without a domain.
const DefaultDomain = "ek"

type Kind int

const (
	KindRoot Kind = iota + 1
	KindSAML
	KindTLS
	KindPrivacy
	KindEK
	KindAIK
	KindEndorsement
)

var kindNames = []string{
	KindRoot:        "root",
	KindSAML:        "saml",
	KindTLS:         "tls",
	KindPrivacy:     "privacy",
	KindEK:          "ek",
	KindAIK:         "aik",
	KindEndorsement: "endorsement",
}

func (k Kind) String() string {
	if k <= 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Scoped reports whether the kind holds a domain-scoped set rather than a
// single active certificate.
func (k Kind) Scoped() bool {
	return k == KindEK || k == KindAIK || k == KindEndorsement
}

func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name != "" && name == s {
			return Kind(i), nil
		}
	}
	return 0, errs.New(errs.NotFound, "unknown certificate kind %q", s)
}

type CaCertificate struct {
	Kind   Kind
	Domain string
	Raw    []byte

	cert *x509.Certificate
}

func (c *CaCertificate) Certificate() *x509.Certificate {
	return c.cert
}

func (c *CaCertificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}

// New validates der as an X.509 certificate. Domain is only kept for scoped
// kinds.
func New(kind Kind, domain string, der []byte) (*CaCertificate, error) {
	if kind <= 0 || int(kind) >= len(kindNames) {
		return nil, errs.New(errs.MalformedInput, "invalid certificate kind %d", int(kind))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, err, "parse ca certificate")
	}
	if !kind.Scoped() {
		domain = ""
	} else if domain == "" {
		domain = DefaultDomain
	}
	return &CaCertificate{
		Kind:   kind,
		Domain: domain,
		Raw:    append([]byte(nil), der...),
		cert:   cert,
	}, nil
}

type Store struct {
	mu    sync.RWMutex
	certs []*CaCertificate
}

func NewStore() *Store {
	return &Store{}
}

// Add registers a certificate. A second certificate for a singleton kind is a
// Conflict; adding identical bytes twice is a no-op.
func (s *Store) Add(c *CaCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.certs {
		if existing.Kind != c.Kind {
			continue
		}
		if bytes.Equal(existing.Raw, c.Raw) && existing.Domain == c.Domain {
			return nil
		}
		if !c.Kind.Scoped() {
			return errs.New(errs.Conflict, "%s certificate already installed", c.Kind)
		}
	}
	s.certs = append(s.certs, c)
	return nil
}

func (s *Store) AddDER(kind Kind, domain string, der []byte) error {
	c, err := New(kind, domain, der)
	if err != nil {
		return err
	}
	return s.Add(c)
}

// AddPEM adds every CERTIFICATE block found in data.
func (s *Store) AddPEM(kind Kind, domain string, data []byte) error {
	var found int
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if err := s.AddDER(kind, domain, block.Bytes); err != nil {
			return err
		}
		found++
	}
	if found == 0 {
		return errs.New(errs.MalformedInput, "no certificate found in pem data for %s", kind)
	}
	return nil
}

// Get returns the active certificate of the given kind. For scoped kinds it
// returns the first certificate registered.
func (s *Store) Get(kind Kind) (*CaCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certs {
		if c.Kind == kind {
			return c, nil
		}
	}
	return nil, errs.New(errs.NotFound, "no %s certificate", kind)
}

// Search filters by kind and domain; a zero kind or empty domain matches
// anything. With neither supplied the domain defaults to "ek".
func (s *Store) Search(kind Kind, domain string) []*CaCertificate {
	if kind == 0 && domain == "" {
		domain = DefaultDomain
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CaCertificate
	for _, c := range s.certs {
		if kind != 0 && c.Kind != kind {
			continue
		}
		if domain != "" && c.Domain != domain {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind < out[j].Kind
	})
	return out
}

// ConcatPEM renders certificates the way GET /ca-certificates returns them.
func ConcatPEM(certs []*CaCertificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		buf.Write(c.PEM())
	}
	return buf.Bytes()
}
