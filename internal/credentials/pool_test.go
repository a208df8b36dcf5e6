package credentials

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func threeSlots(quota int) []discovery.CredentialSlot {
	return []discovery.CredentialSlot{
		{ID: "slot-a", Key: "ka", DailyQuota: quota},
		{ID: "slot-b", Key: "kb", DailyQuota: quota},
		{ID: "slot-c", Key: "kc", DailyQuota: quota},
	}
}

// TestAcquireRotatesThenFallsBack covers the quota rotation property: three
// slots with quota two each serve six acquisitions, the seventh is paid.
func TestAcquireRotatesThenFallsBack(t *testing.T) {
	t.Parallel()

	pool := New(threeSlots(2), "paid-key", fixedClock{now: time.Now()}, nil)

	var order []string
	for i := 0; i < 6; i++ {
		cred, err := pool.Acquire("discovery")
		require.NoError(t, err)
		require.False(t, cred.Paid)
		order = append(order, cred.SlotID)
	}
	require.Equal(t, []string{"slot-a", "slot-b", "slot-c", "slot-a", "slot-b", "slot-c"}, order)

	cred, err := pool.Acquire("discovery")
	require.NoError(t, err)
	require.True(t, cred.Paid)
	require.Equal(t, PaidSlotID, cred.SlotID)
}

// TestReportExhaustedSkipsSlotUntilReset asserts an exhausted slot is never
// selected again before the daily reset, even with counter headroom.
func TestReportExhaustedSkipsSlotUntilReset(t *testing.T) {
	t.Parallel()

	pool := New(threeSlots(10), "paid-key", fixedClock{now: time.Now()}, nil)

	cred, err := pool.Acquire("discovery")
	require.NoError(t, err)
	require.Equal(t, "slot-a", cred.SlotID)

	pool.ReportExhausted("slot-a")

	for i := 0; i < 4; i++ {
		cred, err = pool.Acquire("discovery")
		require.NoError(t, err)
		require.NotEqual(t, "slot-a", cred.SlotID)
	}

	pool.ResetAll()
	cred, err = pool.Acquire("discovery")
	require.NoError(t, err)
	require.Equal(t, "slot-a", cred.SlotID)
}

// TestAcquireInvariantViolation verifies a corrupted counter surfaces as an
// InvariantError instead of being silently served.
func TestAcquireInvariantViolation(t *testing.T) {
	t.Parallel()

	slots := []discovery.CredentialSlot{{ID: "bad", Key: "k", DailyQuota: 2, UsedToday: 5}}
	pool := New(slots, "paid-key", fixedClock{now: time.Now()}, nil)

	_, err := pool.Acquire("discovery")
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	require.Equal(t, "bad", inv.SlotID)
}

// TestAcquireConcurrentNeverOverQuota races acquisitions against one slot and
// checks the quota is honored exactly once the paid fallback kicks in.
func TestAcquireConcurrentNeverOverQuota(t *testing.T) {
	t.Parallel()

	pool := New([]discovery.CredentialSlot{{ID: "only", Key: "k", DailyQuota: 5}}, "paid", fixedClock{now: time.Now()}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	free := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := pool.Acquire("discovery")
			require.NoError(t, err)
			if !cred.Paid {
				mu.Lock()
				free++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, free)

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	require.LessOrEqual(t, snap[0].UsedToday, snap[0].DailyQuota)
}
