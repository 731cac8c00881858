package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/juno-intents/yield-vault/internal/events"
)

// MemoryEventStore is an in-memory EventStore intended for unit tests and
// single-process usage. It is safe for concurrent use.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string][]events.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]events.Event)}
}

func (s *MemoryEventStore) Append(_ context.Context, e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[e.Vault]
	if e.Seq != uint64(len(log))+1 {
		return fmt.Errorf("%w: %s seq %d, log has %d", ErrVersionConflict, e.Vault, e.Seq, len(log))
	}
	s.events[e.Vault] = append(log, e.Clone())
	return nil
}

func (s *MemoryEventStore) Load(_ context.Context, vault string, afterSeq uint64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[vault]
	if afterSeq >= uint64(len(log)) {
		return nil, nil
	}
	end := min(afterSeq+uint64(limit), uint64(len(log)))
	out := make([]events.Event, 0, end-afterSeq)
	for _, e := range log[afterSeq:end] {
		out = append(out, e.Clone())
	}
	return out, nil
}
