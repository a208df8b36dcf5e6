package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plantedlabs/venuescout/internal/discovery"
	memstore "github.com/plantedlabs/venuescout/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestLogRingDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	ring := newLogRing(3)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, msg := range []string{"one", "two", "three", "four", "five"} {
		ring.append(base.Add(time.Duration(i)*time.Second), msg)
	}

	lines := ring.snapshot()
	require.Len(t, lines, 3)
	require.Equal(t, "three", lines[0].Message)
	require.Equal(t, "four", lines[1].Message)
	require.Equal(t, "five", lines[2].Message)
}

func TestRunStateTerminalImmutable(t *testing.T) {
	t.Parallel()

	store := memstore.NewRunStore()
	run := discovery.Run{
		ID:        "run-1",
		Kind:      discovery.RunKindDiscovery,
		Status:    discovery.RunStatusPending,
		Progress:  discovery.Progress{Total: 10},
		StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateRun(context.Background(), run))

	st := newRunState(run, 10, store, fixedClock{now: run.StartedAt.Add(time.Minute)}, nil)
	st.markRunning(context.Background())
	st.addProgress(context.Background(), 4, discovery.Costs{SearchQueries: 4})
	st.finish(context.Background(), discovery.RunStatusCompleted, "run completed")

	got := st.snapshot()
	require.Equal(t, discovery.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal runs refuse further progress and verdict changes; only a
	// final log line is accepted.
	st.addProgress(context.Background(), 1, discovery.Costs{})
	st.finish(context.Background(), discovery.RunStatusFailed, "late verdict")
	require.False(t, st.requestCancel(context.Background(), "ops"))

	got = st.snapshot()
	require.Equal(t, discovery.RunStatusCompleted, got.Status)
	require.Equal(t, 4, got.Progress.Current)
	require.Equal(t, "late verdict", got.Log[len(got.Log)-1].Message)

	persisted, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, discovery.RunStatusCompleted, persisted.Status)
}

func TestRunStateCancelStampsActor(t *testing.T) {
	t.Parallel()

	store := memstore.NewRunStore()
	run := discovery.Run{
		ID:        "run-2",
		Status:    discovery.RunStatusRunning,
		Progress:  discovery.Progress{Total: 5},
		StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateRun(context.Background(), run))

	st := newRunState(run, 10, store, fixedClock{now: run.StartedAt.Add(time.Minute)}, nil)
	require.True(t, st.requestCancel(context.Background(), "ops@planted"))
	require.True(t, st.cancelRequested())
	// A second request changes nothing.
	require.False(t, st.requestCancel(context.Background(), "someone-else"))

	got := st.snapshot()
	require.Equal(t, "ops@planted", got.CancelledBy)
	require.NotNil(t, got.CancelledAt)
	// The status is untouched until the run loop settles the verdict.
	require.Equal(t, discovery.RunStatusRunning, got.Status)
}

func TestRunStateETAExtrapolates(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)
	st := newRunState(discovery.Run{
		ID:        "run-3",
		Status:    discovery.RunStatusRunning,
		Progress:  discovery.Progress{Current: 5, Total: 10},
		StartedAt: start,
	}, 10, memstore.NewRunStore(), fixedClock{now: now}, nil)

	got := st.snapshot()
	require.NotNil(t, got.ETA)
	require.Equal(t, now.Add(10*time.Second), *got.ETA)
	require.InDelta(t, 50.0, got.Progress.Percentage, 1e-9)

	// No ETA before the first completed unit.
	st.run.Progress.Current = 0
	require.Nil(t, st.snapshot().ETA)
}
