package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// CandidateStore keeps candidates in a map guarded by a RWMutex.
type CandidateStore struct {
	mu         sync.RWMutex
	candidates map[string]discovery.Candidate
}

// NewCandidateStore constructs a CandidateStore.
func NewCandidateStore() *CandidateStore {
	return &CandidateStore{candidates: make(map[string]discovery.Candidate)}
}

// CreateCandidate stores a new candidate.
func (s *CandidateStore) CreateCandidate(_ context.Context, c discovery.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.candidates[c.ID]; exists {
		return fmt.Errorf("candidate %s already exists", c.ID)
	}
	s.candidates[c.ID] = c
	return nil
}

// GetCandidate fetches a candidate by ID.
func (s *CandidateStore) GetCandidate(_ context.Context, id string) (discovery.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[id]
	if !ok {
		return discovery.Candidate{}, discovery.ErrNotFound
	}
	return c, nil
}

// ListCandidates returns candidates ordered by discovery time descending,
// optionally filtered by status.
func (s *CandidateStore) ListCandidates(
	_ context.Context,
	status *discovery.CandidateStatus,
	limit, offset int,
) ([]discovery.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if status != nil && c.Status != *status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
	})
	if offset >= len(out) {
		return []discovery.Candidate{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// UpdateCandidateStatus moves a candidate to a new review status.
func (s *CandidateStore) UpdateCandidateStatus(_ context.Context, id string, status discovery.CandidateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return discovery.ErrNotFound
	}
	c.Status = status
	s.candidates[id] = c
	return nil
}
