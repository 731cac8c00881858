package vault

import "sync"

// Sequencer hands out host sequence numbers to the vaults that share one
// asset ledger. A commit holds it from its first transfer until the event is
// in the log, so the host sequence is also the order in which the ledger
// changed. Recover merges per-vault logs by it.
type Sequencer struct {
	mu   sync.Mutex
	last uint64
}

func NewSequencer() *Sequencer { return &Sequencer{} }

// Last returns the host sequence of the last commit seen.
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// observe raises last to n. Callers hold mu.
func (s *Sequencer) observe(n uint64) {
	if n > s.last {
		s.last = n
	}
}
