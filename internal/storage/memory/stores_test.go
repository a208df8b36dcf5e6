package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

func TestStrategyStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStrategyStore()
	ctx := context.Background()

	strat := discovery.Strategy{
		ID:       "s1",
		Platform: "wolt",
		Country:  "DE",
		Template: "planted {city} site:wolt.com",
		Origin:   discovery.OriginSeed,
	}
	require.NoError(t, store.CreateStrategy(ctx, strat))
	require.Error(t, store.CreateStrategy(ctx, strat))

	got, err := store.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "wolt", got.Platform)

	_, err = store.GetStrategy(ctx, "missing")
	require.ErrorIs(t, err, discovery.ErrNotFound)

	strat.TotalUses = 3
	require.NoError(t, store.UpdateStrategy(ctx, strat))
	got, err = store.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, got.TotalUses)

	require.NoError(t, store.CreateStrategy(ctx, discovery.Strategy{ID: "s2", Platform: "ubereats", Country: "DE"}))
	woltOnly, err := store.ListStrategies(ctx, "wolt", "DE")
	require.NoError(t, err)
	require.Len(t, woltOnly, 1)
	all, err := store.ListStrategies(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRunStoreListOrderAndPagination(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.CreateRun(ctx, discovery.Run{
			ID:        id,
			Kind:      discovery.RunKindDiscovery,
			Status:    discovery.RunStatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := store.ListRuns(ctx, nil, 2, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r3", runs[0].ID)
	require.Equal(t, "r2", runs[1].ID)

	runs, err = store.ListRuns(ctx, nil, 2, 2)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].ID)

	status := discovery.RunStatusCompleted
	runs, err = store.ListRuns(ctx, &status, 0, 0)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRunStoreCloneIsolation(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	run := discovery.Run{
		ID:  "r1",
		Log: []discovery.LogLine{{At: time.Now(), Message: "started"}},
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	got.Log[0].Message = "mutated"

	again, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "started", again.Log[0].Message)
}

func TestCandidateStoreStatusTransitions(t *testing.T) {
	t.Parallel()

	store := NewCandidateStore()
	ctx := context.Background()

	require.NoError(t, store.CreateCandidate(ctx, discovery.Candidate{
		ID:           "c1",
		Kind:         discovery.CandidateVenue,
		Status:       discovery.CandidateDiscovered,
		DiscoveredAt: time.Now(),
	}))
	require.NoError(t, store.UpdateCandidateStatus(ctx, "c1", discovery.CandidateVerified))

	got, err := store.GetCandidate(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, discovery.CandidateVerified, got.Status)

	require.ErrorIs(t, store.UpdateCandidateStatus(ctx, "missing", discovery.CandidateStale), discovery.ErrNotFound)

	verified := discovery.CandidateVerified
	list, err := store.ListCandidates(ctx, &verified, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestLedgerStoreUpsert(t *testing.T) {
	t.Parallel()

	store := NewLedgerStore()
	ctx := context.Background()

	_, err := store.GetEntry(ctx, "2026-03-01")
	require.ErrorIs(t, err, discovery.ErrNotFound)

	entry := discovery.LedgerEntry{
		Period:       "2026-03-01",
		FreeSearches: 10,
		AICalls:      map[string]int{"gemini": 2},
		SpendUSD:     1.25,
	}
	require.NoError(t, store.PutEntry(ctx, entry))

	got, err := store.GetEntry(ctx, "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, 10, got.FreeSearches)

	// Mutating the returned copy must not leak back into the store.
	got.AICalls["gemini"] = 99
	again, err := store.GetEntry(ctx, "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, 2, again.AICalls["gemini"])
}

func TestBlobStorePutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "runs/r1/page.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://runs/r1/page.html", uri)

	data, ok := store.GetObject("runs/r1/page.html")
	require.True(t, ok)
	require.Equal(t, "<html></html>", string(data))

	_, ok = store.GetObject("missing")
	require.False(t, ok)
}
