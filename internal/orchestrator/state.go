package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// runState is the in-memory owner of one run's mutable fields. Every
// mutation goes through its mutex and is mirrored to the run store; once the
// run is terminal only a final log line is accepted.
type runState struct {
	mu        sync.Mutex
	run       discovery.Run
	ring      *logRing
	cancelled bool
	dirty     bool

	store  discovery.RunStore
	clock  discovery.Clock
	logger *zap.Logger
}

func newRunState(
	run discovery.Run,
	ringSize int,
	store discovery.RunStore,
	clock discovery.Clock,
	logger *zap.Logger,
) *runState {
	return &runState{
		run:    run,
		ring:   newLogRing(ringSize),
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// snapshot returns a copy of the run with the current log ring attached.
func (s *runState) snapshot() discovery.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *runState) snapshotLocked() discovery.Run {
	run := s.run
	run.Log = s.ring.snapshot()
	if run.Progress.Total > 0 {
		run.Progress.Percentage = 100 * float64(run.Progress.Current) / float64(run.Progress.Total)
	}
	run.ETA = s.etaLocked()
	return run
}

// etaLocked extrapolates from the elapsed per-unit rate.
func (s *runState) etaLocked() *time.Time {
	if s.run.Status != discovery.RunStatusRunning ||
		s.run.Progress.Current == 0 ||
		s.run.Progress.Current >= s.run.Progress.Total {
		return nil
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.run.StartedAt)
	perUnit := elapsed / time.Duration(s.run.Progress.Current)
	remaining := time.Duration(s.run.Progress.Total-s.run.Progress.Current) * perUnit
	eta := now.Add(remaining)
	return &eta
}

// markRunning transitions pending -> running when the first unit starts.
func (s *runState) markRunning(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status != discovery.RunStatusPending {
		return
	}
	s.run.Status = discovery.RunStatusRunning
	s.persistLocked(ctx)
}

// addProgress records completed units and accumulated cost.
func (s *runState) addProgress(ctx context.Context, units int, costs discovery.Costs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status.IsTerminal() {
		return
	}
	s.run.Progress.Current += units
	s.run.Costs.SearchQueries += costs.SearchQueries
	s.run.Costs.AICalls += costs.AICalls
	s.run.Costs.EstimatedSpend += costs.EstimatedSpend
	s.persistLocked(ctx)
}

// appendLog adds a line to the bounded ring. It is the only mutation allowed
// after the run is terminal (the final log flush).
func (s *runState) appendLog(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.append(s.clock.Now(), message)
	s.dirty = true
}

// requestCancel stamps the cancellation flag; the run loop observes it at the
// next unit boundary. Requesting on a terminal run is a no-op.
func (s *runState) requestCancel(ctx context.Context, by string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status.IsTerminal() || s.cancelled {
		return false
	}
	s.cancelled = true
	now := s.clock.Now()
	s.run.CancelledAt = &now
	s.run.CancelledBy = by
	s.ring.append(now, fmt.Sprintf("cancellation requested by %s", by))
	s.persistLocked(ctx)
	return true
}

func (s *runState) cancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// finish moves the run to a terminal status. Illegal transitions (already
// terminal) are ignored so a late worker cannot overwrite the verdict.
func (s *runState) finish(ctx context.Context, status discovery.RunStatus, finalLine string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status.IsTerminal() {
		if finalLine != "" {
			s.ring.append(s.clock.Now(), finalLine)
			s.persistLocked(ctx)
		}
		return
	}
	if !status.IsTerminal() {
		s.logger.Error("refusing non-terminal finish", zap.String("status", string(status)))
		return
	}
	now := s.clock.Now()
	s.run.Status = status
	s.run.CompletedAt = &now
	if finalLine != "" {
		s.ring.append(now, finalLine)
	}
	s.persistLocked(ctx)
}

// flush persists any log-only changes accumulated since the last write.
func (s *runState) flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return
	}
	s.persistLocked(ctx)
}

func (s *runState) persistLocked(ctx context.Context) {
	s.dirty = false
	run := s.snapshotLocked()
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Error("persist run failed",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}
