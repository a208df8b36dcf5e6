package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// TestSearchDecodesResults checks request construction and response parsing.
func TestSearchDecodesResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "secret-key", q.Get("key"))
		require.Equal(t, "engine-1", q.Get("cx"))
		require.Equal(t, "planted chicken Berlin", q.Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"link":"https://wolt.com/b/menu","title":"Green Kitchen","snippet":"planted chicken bowl"},
			{"link":"","title":"no link"},
			{"link":"https://ubereats.com/x","title":"X"}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, EngineID: "engine-1"}, nil)
	results, err := c.Search(context.Background(), "planted chicken Berlin",
		discovery.Credential{SlotID: "s1", Key: "secret-key"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "https://wolt.com/b/menu", results[0].URL)
	require.Equal(t, "planted chicken bowl", results[0].Snippet)
}

// TestSearchRateLimitStatuses maps 429 and 403 to ErrRateLimited.
func TestSearchRateLimitStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		c := New(Config{BaseURL: srv.URL}, nil)
		_, err := c.Search(context.Background(), "q", discovery.Credential{SlotID: "s1"})
		require.ErrorIs(t, err, discovery.ErrRateLimited)
		srv.Close()
	}
}

// TestSearchServerErrorIsNotRateLimit keeps 5xx as a plain transient error.
func TestSearchServerErrorIsNotRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	_, err := c.Search(context.Background(), "q", discovery.Credential{SlotID: "s1"})
	require.Error(t, err)
	require.NotErrorIs(t, err, discovery.ErrRateLimited)
}
