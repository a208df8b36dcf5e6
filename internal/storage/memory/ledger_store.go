package memory

import (
	"context"
	"sync"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// LedgerStore keeps budget ledger entries keyed by period.
type LedgerStore struct {
	mu      sync.RWMutex
	entries map[string]discovery.LedgerEntry
}

// NewLedgerStore constructs a LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{entries: make(map[string]discovery.LedgerEntry)}
}

// GetEntry fetches the ledger entry for a period.
func (s *LedgerStore) GetEntry(_ context.Context, period string) (discovery.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[period]
	if !ok {
		return discovery.LedgerEntry{}, discovery.ErrNotFound
	}
	return cloneEntry(entry), nil
}

// PutEntry upserts the ledger entry for its period.
func (s *LedgerStore) PutEntry(_ context.Context, entry discovery.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Period] = cloneEntry(entry)
	return nil
}

func cloneEntry(entry discovery.LedgerEntry) discovery.LedgerEntry {
	if entry.AICalls != nil {
		calls := make(map[string]int, len(entry.AICalls))
		for k, v := range entry.AICalls {
			calls[k] = v
		}
		entry.AICalls = calls
	}
	entry.Throttles = append([]discovery.ThrottleEvent(nil), entry.Throttles...)
	return entry
}
