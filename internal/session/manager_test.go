package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDriver records the operation sequence per instance and serves canned
// pages. The residue map simulates browser state left behind by a render.
type fakeDriver struct {
	mu        sync.Mutex
	ops       []string
	residue   map[int]string
	renderErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{residue: make(map[int]string)}
}

func (d *fakeDriver) clear(_ context.Context, inst *instance, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "clear")
	d.residue[inst.id] = ""
	return nil
}

func (d *fakeDriver) render(_ context.Context, inst *instance, rawURL string) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "render "+rawURL)
	if d.renderErr != nil {
		return Page{}, d.renderErr
	}
	leaked := d.residue[inst.id]
	d.residue[inst.id] = rawURL
	return Page{URL: rawURL, FinalURL: rawURL, HTML: "<html>" + rawURL + leaked + "</html>"}, nil
}

func (d *fakeDriver) close(inst *instance) { inst.cancel() }

func (d *fakeDriver) opLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

// TestWithSessionClearsBeforeEveryNavigation asserts back-to-back sessions on
// the same instance each see a blank slate: session B's page is identical
// whether or not session A ran first.
func TestWithSessionClearsBeforeEveryNavigation(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	m := newManagerWithDriver(Config{PoolSize: 1}, drv, nil)
	defer m.Close()

	var first, second Page
	require.NoError(t, m.WithSession(context.Background(), "https://venue-a.test/menu", func(_ context.Context, p Page) error {
		first = p
		return nil
	}))
	require.NoError(t, m.WithSession(context.Background(), "https://venue-b.test/menu", func(_ context.Context, p Page) error {
		second = p
		return nil
	}))

	require.Equal(t, "<html>https://venue-a.test/menu</html>", first.HTML)
	require.Equal(t, "<html>https://venue-b.test/menu</html>", second.HTML)
	require.NotContains(t, second.HTML, "venue-a")

	ops := drv.opLog()
	// clear, render, teardown clear — twice.
	require.Equal(t, []string{
		"clear", "render https://venue-a.test/menu", "clear",
		"clear", "render https://venue-b.test/menu", "clear",
	}, ops)
}

// TestWithSessionTeardownRunsOnCallbackError verifies the deferred clear and
// pool return happen even when the callback fails.
func TestWithSessionTeardownRunsOnCallbackError(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	m := newManagerWithDriver(Config{PoolSize: 1}, drv, nil)
	defer m.Close()

	boom := errors.New("boom")
	err := m.WithSession(context.Background(), "https://venue-a.test", func(context.Context, Page) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The instance must be back in the pool and cleared.
	require.NoError(t, m.WithSession(context.Background(), "https://venue-b.test", func(context.Context, Page) error {
		return nil
	}))
	ops := drv.opLog()
	require.Equal(t, "clear", ops[len(ops)-1])
}

// TestWithSessionRenderErrorStillReleases covers the render failure path.
func TestWithSessionRenderErrorStillReleases(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.renderErr = errors.New("navigation timeout")
	m := newManagerWithDriver(Config{PoolSize: 1}, drv, nil)
	defer m.Close()

	err := m.WithSession(context.Background(), "https://venue-a.test", func(context.Context, Page) error {
		t.Fatal("callback must not run after a failed render")
		return nil
	})
	require.ErrorContains(t, err, "navigation timeout")

	drv.renderErr = nil
	require.NoError(t, m.WithSession(context.Background(), "https://venue-b.test", func(context.Context, Page) error {
		return nil
	}))
}

// TestWithSessionExclusiveLease proves two goroutines never hold the same
// instance concurrently.
func TestWithSessionExclusiveLease(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	m := newManagerWithDriver(Config{PoolSize: 1}, drv, nil)
	defer m.Close()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithSession(context.Background(), "https://venue.test", func(context.Context, Page) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive)
}

// TestWithSessionLeaseWaitHonorsContext ensures a caller waiting on a busy
// pool can give up via its context.
func TestWithSessionLeaseWaitHonorsContext(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	m := newManagerWithDriver(Config{PoolSize: 1}, drv, nil)
	defer m.Close()

	release := make(chan struct{})
	go func() {
		_ = m.WithSession(context.Background(), "https://venue.test", func(context.Context, Page) error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return len(drv.opLog()) >= 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithSession(ctx, "https://other.test", func(context.Context, Page) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

// TestOriginOf covers the origin derivation used for storage clearing.
func TestOriginOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.wolt.com", originOf("https://www.wolt.com/en/deu/berlin/restaurant/x"))
	require.Equal(t, "*", originOf("not a url"))
}
