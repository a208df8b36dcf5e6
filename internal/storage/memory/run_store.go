package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// RunStore keeps runs in a map guarded by a RWMutex.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]discovery.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]discovery.Run)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run discovery.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id string) (discovery.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return discovery.Run{}, discovery.ErrNotFound
	}
	return cloneRun(run), nil
}

// UpdateRun replaces an existing run record.
func (s *RunStore) UpdateRun(_ context.Context, run discovery.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return discovery.ErrNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns returns runs ordered by start time descending, optionally filtered
// by status.
func (s *RunStore) ListRuns(_ context.Context, status *discovery.RunStatus, limit, offset int) ([]discovery.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return paginateRuns(out, limit, offset), nil
}

func paginateRuns(runs []discovery.Run, limit, offset int) []discovery.Run {
	if offset >= len(runs) {
		return []discovery.Run{}
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}

// cloneRun deep-copies the log slice so callers cannot mutate stored state.
func cloneRun(run discovery.Run) discovery.Run {
	run.Log = append([]discovery.LogLine(nil), run.Log...)
	run.Config.Platforms = append([]string(nil), run.Config.Platforms...)
	run.Config.Cities = append([]string(nil), run.Config.Cities...)
	run.Config.VenueURLs = append([]string(nil), run.Config.VenueURLs...)
	return run
}
