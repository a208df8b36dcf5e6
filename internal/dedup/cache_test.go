package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// TestNormalizeTokenOrder verifies surface variants collapse to one key.
func TestNormalizeTokenOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, Normalize("Planted Chicken Berlin"), Normalize("  BERLIN   chicken  PLANTED  "))
	require.Equal(t, "berlin chicken planted", Normalize("Planted Chicken Berlin"))
	require.Empty(t, Normalize("   "))
}

// TestShouldSkipWithinHitWindow asserts a query with results is suppressed for
// 24 hours regardless of surface form.
func TestShouldSkipWithinHitWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := New(Config{}, clock)

	require.False(t, cache.ShouldSkip("Planted Chicken Berlin"))
	cache.Record("Planted Chicken Berlin", true)

	require.True(t, cache.ShouldSkip("  BERLIN   chicken  PLANTED  "))

	clock.Advance(23 * time.Hour)
	require.True(t, cache.ShouldSkip("planted chicken berlin"))

	clock.Advance(2 * time.Hour)
	require.False(t, cache.ShouldSkip("planted chicken berlin"))
}

// TestShouldSkipMissWindow asserts zero-result queries stay suppressed for a week.
func TestShouldSkipMissWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := New(Config{}, clock)

	cache.Record("planted zurich delivery", false)
	clock.Advance(6 * 24 * time.Hour)
	require.True(t, cache.ShouldSkip("planted zurich delivery"))

	clock.Advance(2 * 24 * time.Hour)
	require.False(t, cache.ShouldSkip("planted zurich delivery"))
}

// TestStaleEntriesReclaimedLazily verifies expired entries are deleted when seen.
func TestStaleEntriesReclaimedLazily(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := New(Config{HitWindow: time.Hour, MissWindow: time.Hour}, clock)

	cache.Record("a b", true)
	cache.Record("c d", false)
	require.Equal(t, 2, cache.Len())

	clock.Advance(2 * time.Hour)
	require.False(t, cache.ShouldSkip("a b"))
	require.False(t, cache.ShouldSkip("c d"))
	require.Equal(t, 0, cache.Len())
}
