package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cassiomorais/paymentflow/pkg/clock"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is a single-process Store. Expiry is evaluated lazily against clock.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]lease
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryStore{clock: clk, leases: make(map[string]lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if l, ok := s.leases[key]; ok && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || l.owner != owner || !s.clock.Now().Before(l.expiresAt) {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	l, ok := s.leases[key]
	if !ok || l.owner != owner || !now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Holder returns the current unexpired owner of key, if any.
func (s *MemoryStore) Holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || !s.clock.Now().Before(l.expiresAt) {
		return "", false
	}
	return l.owner, true
}
