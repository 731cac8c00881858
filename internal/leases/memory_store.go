package leases

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process hosting.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, holder, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[name]
	switch {
	case ok && cur.Holder == holder:
	case !ok || !cur.ExpiresAt.After(now):
		cur.Name = name
		cur.Holder = holder
		cur.Epoch++
	default:
		return cur, false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	s.leases[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, holder string) error {
	if name == "" || holder == "" {
		return fmt.Errorf("%w: name and holder are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return nil
	}
	if cur.Holder != holder {
		return ErrNotHolder
	}
	// Keep the epoch so the next holder still gets a larger one.
	cur.Holder = ""
	cur.ExpiresAt = time.Time{}
	s.leases[name] = cur
	return nil
}
