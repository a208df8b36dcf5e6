package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

type stubLedgerStore struct {
	mu      sync.Mutex
	entries map[string]discovery.LedgerEntry
}

func newStubLedgerStore() *stubLedgerStore {
	return &stubLedgerStore{entries: make(map[string]discovery.LedgerEntry)}
}

func (s *stubLedgerStore) GetEntry(_ context.Context, period string) (discovery.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[period]
	if !ok {
		return discovery.LedgerEntry{}, discovery.ErrNotFound
	}
	return entry, nil
}

func (s *stubLedgerStore) PutEntry(_ context.Context, entry discovery.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Period] = entry
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testController(store discovery.LedgerStore) *Controller {
	return New(Config{
		PaidSearchUSD:   0.005,
		AICallUSD:       0.01,
		DailyLimitUSD:   50,
		MonthlyLimitUSD: 500,
		DenyFraction:    0.8,
	}, store, fixedClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}, nil)
}

// TestEstimateLinearPricing checks free searches price at zero.
func TestEstimateLinearPricing(t *testing.T) {
	t.Parallel()

	c := testController(newStubLedgerStore())
	require.InDelta(t, 0.0, c.Estimate(Units{FreeSearches: 100}), 1e-9)
	require.InDelta(t, 0.05, c.Estimate(Units{PaidSearches: 10}), 1e-9)
	require.InDelta(t, 0.25, c.Estimate(Units{PaidSearches: 10, AICalls: 20}), 1e-9)
}

// TestAdmitNearLimit covers the documented behavior at $45 spend against a
// $50 daily limit: a $10 estimate is denied, a $3 estimate is allowed.
func TestAdmitNearLimit(t *testing.T) {
	t.Parallel()

	store := newStubLedgerStore()
	require.NoError(t, store.PutEntry(context.Background(), discovery.LedgerEntry{
		Period: "2026-03-01", SpendUSD: 45,
	}))
	c := testController(store)

	denied, err := c.Admit(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Reason, "exceeds remaining")
	require.InDelta(t, 45, denied.CurrentSpend, 1e-9)
	require.InDelta(t, 5, denied.Remaining, 1e-9)

	allowed, err := c.Admit(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, allowed.Allowed)
}

// TestAdmitSoftThresholdCrossing denies an estimate that would push spend
// across the 80% boundary even when the hard remaining budget would cover it.
func TestAdmitSoftThresholdCrossing(t *testing.T) {
	t.Parallel()

	store := newStubLedgerStore()
	require.NoError(t, store.PutEntry(context.Background(), discovery.LedgerEntry{
		Period: "2026-03-01", SpendUSD: 30,
	}))
	c := testController(store)

	denied, err := c.Admit(context.Background(), 15)
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Reason, "would cross 80%")
}

// TestAdmitMonthlyStricter verifies the stricter of the two ledgers wins.
func TestAdmitMonthlyStricter(t *testing.T) {
	t.Parallel()

	store := newStubLedgerStore()
	require.NoError(t, store.PutEntry(context.Background(), discovery.LedgerEntry{
		Period: "2026-03", SpendUSD: 499,
	}))
	c := testController(store)

	denied, err := c.Admit(context.Background(), 2)
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Reason, "monthly")
}

// TestAdmitDenialRecordsThrottleEvent checks denials land in the audit log.
func TestAdmitDenialRecordsThrottleEvent(t *testing.T) {
	t.Parallel()

	store := newStubLedgerStore()
	require.NoError(t, store.PutEntry(context.Background(), discovery.LedgerEntry{
		Period: "2026-03-01", SpendUSD: 49,
	}))
	c := testController(store)

	_, err := c.Admit(context.Background(), 5)
	require.NoError(t, err)

	day, _, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, day.Throttles, 1)
	require.NotEmpty(t, day.Throttles[0].Reason)
}

// TestCommitIdempotentPerRun asserts a second commit for the same run fails
// and increments the ledger exactly once.
func TestCommitIdempotentPerRun(t *testing.T) {
	t.Parallel()

	store := newStubLedgerStore()
	c := testController(store)

	actual := Actual{
		FreeSearches: 12,
		PaidSearches: 4,
		AICalls:      map[string]int{"openai": 6},
	}
	require.NoError(t, c.Commit(context.Background(), "run-1", actual))
	require.ErrorIs(t, c.Commit(context.Background(), "run-1", actual), ErrDuplicateCommit)

	day, month, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, day.FreeSearches)
	require.Equal(t, 4, day.PaidSearches)
	require.Equal(t, 6, day.AICalls["openai"])
	require.InDelta(t, 4*0.005+6*0.01, day.SpendUSD, 1e-9)
	require.InDelta(t, day.SpendUSD, month.SpendUSD, 1e-9)
}

type flakyLedgerStore struct {
	*stubLedgerStore
	failPeriod string
	failures   int
}

func (s *flakyLedgerStore) PutEntry(ctx context.Context, entry discovery.LedgerEntry) error {
	if entry.Period == s.failPeriod && s.failures > 0 {
		s.failures--
		return errors.New("ledger write refused")
	}
	return s.stubLedgerStore.PutEntry(ctx, entry)
}

// TestCommitPartialPersistDoesNotDoubleCount fails the month write after the
// day write landed; retrying the commit must not add the day spend again.
func TestCommitPartialPersistDoesNotDoubleCount(t *testing.T) {
	t.Parallel()

	store := &flakyLedgerStore{
		stubLedgerStore: newStubLedgerStore(),
		failPeriod:      "2026-03",
		failures:        1,
	}
	c := testController(store)

	actual := Actual{PaidSearches: 10}
	require.Error(t, c.Commit(context.Background(), "run-1", actual))
	require.ErrorIs(t, c.Commit(context.Background(), "run-1", actual), ErrDuplicateCommit)

	day, err := store.GetEntry(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, 10, day.PaidSearches)
	require.InDelta(t, 10*0.005, day.SpendUSD, 1e-9)
}
