package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "scout-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<html><body>menu</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "scout-agent", Timeout: time.Second})
	result, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Contains(t, string(result.Body), "menu")
}

func TestFetchErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestNeedsHeadless(t *testing.T) {
	t.Parallel()

	full := Result{Body: []byte("<html><body>" + strings.Repeat("menu item; ", 400) + "</body></html>")}
	require.False(t, full.NeedsHeadless())

	shell := Result{Body: []byte("<html><div id=root></div><script src=app.js></script></html>")}
	require.True(t, shell.NeedsHeadless())

	jsWall := Result{Body: []byte("<html><body>" + strings.Repeat("x", ShellHeuristicMinBytes) +
		" please enable javascript to continue</body></html>")}
	require.True(t, jsWall.NeedsHeadless())
}
