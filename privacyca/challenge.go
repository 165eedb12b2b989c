package privacyca

import (
	"crypto"
	"encoding/hex"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/psanford/tpm-privacy-ca/errs"
)

// PendingChallenge is the server side of an outstanding identity challenge.
type PendingChallenge struct {
	ID        string
	AIKName   []byte
	Secret    []byte
	Version   TPMVersion
	EK        crypto.PublicKey
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ChallengeStore correlates identity challenges with their responses. At most
// one challenge is live per AIK name, and Take hands each one out at most once.
type ChallengeStore interface {
	// Put stores p, replacing any live challenge for the same AIK name.
	Put(p *PendingChallenge) (superseded bool, err error)
	// Take removes and returns the challenge for aikName.
	Take(aikName []byte) (*PendingChallenge, error)
	Len() int
}

const (
	// DefaultSweepGrace is how long an expired challenge is retained before
	// the background sweep may drop it.
	DefaultSweepGrace = time.Minute
	// DefaultExpiredRetention is how long a swept challenge is still
	// reported as expired rather than unknown.
	DefaultExpiredRetention = time.Hour
)

type MemoryChallengeStore struct {
	mu    sync.Mutex
	cache *cache.Cache
	// expired holds challenges the sweep dropped after their deadline.
	expired *cache.Cache
	now     func() time.Time
	grace   time.Duration
}

// NewMemoryChallengeStore returns an in-memory store. Expiry is judged with
// now; sweepInterval controls how often expired entries are reclaimed.
func NewMemoryChallengeStore(now func() time.Time, sweepInterval time.Duration) *MemoryChallengeStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryChallengeStore{
		cache:   cache.New(cache.NoExpiration, sweepInterval),
		expired: cache.New(DefaultExpiredRetention, sweepInterval),
		now:     now,
		grace:   DefaultSweepGrace,
	}
	s.cache.OnEvicted(s.evicted)
	return s
}

// evicted runs for every entry leaving the cache, including ones Take
// deletes. Only entries past their deadline are remembered.
func (s *MemoryChallengeStore) evicted(key string, v interface{}) {
	p := v.(*PendingChallenge)
	if !s.now().Before(p.ExpiresAt) {
		s.expired.SetDefault(key, p)
	}
}

func (s *MemoryChallengeStore) Put(p *PendingChallenge) (bool, error) {
	if len(p.AIKName) == 0 {
		return false, errs.New(errs.MalformedInput, "pending challenge without aik name")
	}
	key := hex.EncodeToString(p.AIKName)

	s.mu.Lock()
	defer s.mu.Unlock()

	var superseded bool
	if v, ok := s.cache.Get(key); ok {
		superseded = s.now().Before(v.(*PendingChallenge).ExpiresAt)
	}
	s.cache.Set(key, p, p.ExpiresAt.Sub(p.CreatedAt)+s.grace)
	s.expired.Delete(key)
	return superseded, nil
}

func (s *MemoryChallengeStore) Take(aikName []byte) (*PendingChallenge, error) {
	key := hex.EncodeToString(aikName)

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(key)
	if !ok {
		// the entry may have outlived its retention without being swept yet
		s.cache.DeleteExpired()
		v, ok = s.expired.Get(key)
		if !ok {
			return nil, errs.New(errs.ChallengeNotFound, "no pending challenge for aik")
		}
		s.expired.Delete(key)
		return nil, expiredErr(v.(*PendingChallenge))
	}
	s.cache.Delete(key)
	s.expired.Delete(key)

	p := v.(*PendingChallenge)
	if !s.now().Before(p.ExpiresAt) {
		return nil, expiredErr(p)
	}
	return p, nil
}

func expiredErr(p *PendingChallenge) error {
	return errs.New(errs.ChallengeExpired, "challenge %s expired at %s", p.ID, p.ExpiresAt.Format(time.RFC3339))
}

func (s *MemoryChallengeStore) Len() int {
	return s.cache.ItemCount()
}

// Sweep drops entries whose retention has lapsed. Swept challenges are still
// reported as expired for DefaultExpiredRetention.
func (s *MemoryChallengeStore) Sweep() {
	s.cache.DeleteExpired()
	s.expired.DeleteExpired()
}
