// Package revocation records global sign-outs so that offline token
// verification can reject tokens issued before them.
package revocation

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL covers the longest access token lifetime Cognito allows by default.
const DefaultTTL = 24 * time.Hour

// Store records when a user last signed out globally.
type Store interface {
	// Revoke records a global sign-out for username at the given time.
	Revoke(ctx context.Context, username string, at time.Time) error
	// RevokedAt returns the last recorded sign-out, if any.
	RevokedAt(ctx context.Context, username string) (time.Time, bool, error)
}

type entry struct {
	at        time.Time
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Entries expire after the TTL, by
// which time every token issued before the sign-out has expired as well.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Revoke implements Store.
func (s *MemoryStore) Revoke(_ context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[username] = entry{at: at, expiresAt: s.now().Add(s.ttl)}
	s.pruneLocked()
	return nil
}

// RevokedAt implements Store.
func (s *MemoryStore) RevokedAt(_ context.Context, username string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[username]
	if !ok || !s.now().Before(e.expiresAt) {
		return time.Time{}, false, nil
	}
	return e.at, true, nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) pruneLocked() {
	now := s.now()
	for username, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, username)
		}
	}
}
