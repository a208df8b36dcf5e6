package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plantedlabs/venuescout/internal/budget"
	"github.com/plantedlabs/venuescout/internal/clock/system"
	"github.com/plantedlabs/venuescout/internal/config"
	"github.com/plantedlabs/venuescout/internal/credentials"
	"github.com/plantedlabs/venuescout/internal/discovery"
	iduuid "github.com/plantedlabs/venuescout/internal/id/uuid"
	"github.com/plantedlabs/venuescout/internal/orchestrator"
	"github.com/plantedlabs/venuescout/internal/progress"
	"github.com/plantedlabs/venuescout/internal/progress/sinks"
	memstore "github.com/plantedlabs/venuescout/internal/storage/memory"
	"github.com/plantedlabs/venuescout/internal/strategy"
)

type stubRunService struct {
	startDiscovery  func(cfg discovery.RunConfig) (discovery.Run, error)
	startExtraction func(cfg discovery.RunConfig) (discovery.Run, error)
	getRun          func(id string) (discovery.Run, error)
	listRuns        func(status *discovery.RunStatus, limit, offset int) ([]discovery.Run, error)
	cancel          func(id, by string) error
}

func (s *stubRunService) StartDiscovery(_ context.Context, cfg discovery.RunConfig) (discovery.Run, error) {
	if s.startDiscovery == nil {
		return discovery.Run{}, discovery.ErrNotFound
	}
	return s.startDiscovery(cfg)
}

func (s *stubRunService) StartExtraction(_ context.Context, cfg discovery.RunConfig) (discovery.Run, error) {
	if s.startExtraction == nil {
		return discovery.Run{}, discovery.ErrNotFound
	}
	return s.startExtraction(cfg)
}

func (s *stubRunService) GetRun(_ context.Context, id string) (discovery.Run, error) {
	if s.getRun == nil {
		return discovery.Run{}, discovery.ErrNotFound
	}
	return s.getRun(id)
}

func (s *stubRunService) ListRuns(_ context.Context, status *discovery.RunStatus, limit, offset int) ([]discovery.Run, error) {
	if s.listRuns == nil {
		return nil, nil
	}
	return s.listRuns(status, limit, offset)
}

func (s *stubRunService) Cancel(_ context.Context, id, by string) error {
	if s.cancel == nil {
		return discovery.ErrNotFound
	}
	return s.cancel(id, by)
}

type apiFixture struct {
	srv        *httptest.Server
	candidates *memstore.CandidateStore
	strategies *strategy.Engine
	events     *sinks.Broadcast
}

func newAPIFixture(t *testing.T, runs RunService, cfg config.Config) *apiFixture {
	t.Helper()

	clk := system.New()
	candidates := memstore.NewCandidateStore()
	engine := strategy.New(memstore.NewStrategyStore(), clk, iduuid.New(), strategy.Config{}, nil)
	ctrl := budget.New(budget.Config{
		PaidSearchUSD:   0.005,
		AICallUSD:       0.01,
		DailyLimitUSD:   50,
		MonthlyLimitUSD: 300,
	}, memstore.NewLedgerStore(), clk, nil)
	pool := credentials.New([]discovery.CredentialSlot{
		{ID: "free-1", Key: "key-1", DailyQuota: 100},
	}, "paid-key", clk, nil)
	events := sinks.NewBroadcast(nil)

	if cfg.Runs.DefaultBatchSize == 0 {
		cfg.Runs.DefaultBatchSize = 3
	}
	server := NewServer(runs, candidates, engine, ctrl, pool, events, cfg, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{
		srv:        srv,
		candidates: candidates,
		strategies: engine,
		events:     events,
	}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStartRunDiscoveryAccepted(t *testing.T) {
	t.Parallel()

	var gotCfg discovery.RunConfig
	fx := newAPIFixture(t, &stubRunService{
		startDiscovery: func(cfg discovery.RunConfig) (discovery.Run, error) {
			gotCfg = cfg
			return discovery.Run{ID: "run-1", Kind: discovery.RunKindDiscovery, Status: discovery.RunStatusPending}, nil
		},
	}, config.Config{})

	resp := postJSON(t, fx.srv.URL+"/v1/runs", map[string]any{
		"kind":      "discovery",
		"platforms": []string{"wolt"},
		"country":   "DE",
		"cities":    []string{"Berlin"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	run := body["run"].(map[string]any)
	require.Equal(t, "run-1", run["id"])
	// Defaults fill in when the caller leaves them out.
	require.Equal(t, 3, gotCfg.BatchSize)
}

func TestStartRunRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{})
	resp := postJSON(t, fx.srv.URL+"/v1/runs", map[string]any{"kind": "refresh"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStartRunBudgetDenied(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{
		startDiscovery: func(discovery.RunConfig) (discovery.Run, error) {
			return discovery.Run{}, &orchestrator.ErrBudgetDenied{
				Decision: budget.Decision{Reason: "daily limit reached", Limit: 50},
			}
		},
	}, config.Config{})

	resp := postJSON(t, fx.srv.URL+"/v1/runs", map[string]any{
		"kind":      "discovery",
		"platforms": []string{"wolt"},
		"cities":    []string{"Berlin"},
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decodeBody(t, resp)
	decision := body["decision"].(map[string]any)
	require.Equal(t, "daily limit reached", decision["reason"])
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{})
	resp, err := http.Get(fx.srv.URL + "/v1/runs/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelRunStates(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{
		cancel: func(id, by string) error {
			switch id {
			case "active":
				return nil
			case "done":
				return orchestrator.ErrRunTerminal
			default:
				return discovery.ErrNotFound
			}
		},
	}, config.Config{})

	resp := postJSON(t, fx.srv.URL+"/v1/runs/active/cancel", map[string]string{"cancelled_by": "ops"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "ops", body["cancelled_by"])

	resp = postJSON(t, fx.srv.URL+"/v1/runs/done/cancel", map[string]string{})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, fx.srv.URL+"/v1/runs/ghost/cancel", map[string]string{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListRunsInvalidStatus(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{})
	resp, err := http.Get(fx.srv.URL + "/v1/runs?status=bogus")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListCandidatesFiltersByStatus(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{})
	require.NoError(t, fx.candidates.CreateCandidate(context.Background(), discovery.Candidate{
		ID: "c1", Kind: discovery.CandidateVenue, Status: discovery.CandidateDiscovered,
		Name: "Green Garden", DiscoveredAt: time.Now(),
	}))
	require.NoError(t, fx.candidates.CreateCandidate(context.Background(), discovery.Candidate{
		ID: "c2", Kind: discovery.CandidateVenue, Status: discovery.CandidateStale,
		Name: "Old Venue", DiscoveredAt: time.Now(),
	}))

	resp, err := http.Get(fx.srv.URL + "/v1/candidates?status=discovered")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	cands := body["candidates"].([]any)
	require.Len(t, cands, 1)

	resp, err = http.Get(fx.srv.URL + "/v1/candidates?status=bogus")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateStrategy(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{})
	resp := postJSON(t, fx.srv.URL+"/v1/strategies", map[string]any{
		"platform": "wolt",
		"country":  "DE",
		"template": `"planted" site:wolt.com {city}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	created := body["strategy"].(map[string]any)
	require.NotEmpty(t, created["id"])
	require.Equal(t, "manual", created["origin"])

	resp = postJSON(t, fx.srv.URL+"/v1/strategies", map[string]any{"platform": "wolt"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetBudgetSnapshot(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{})
	resp, err := http.Get(fx.srv.URL + "/v1/budget")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Contains(t, body, "day")
	require.Contains(t, body, "month")
	require.Contains(t, body, "credentials")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{}, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	resp, err := http.Get(fx.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, fx.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamRunEventsDeliversCandidates(t *testing.T) {
	t.Parallel()

	fx := newAPIFixture(t, &stubRunService{
		getRun: func(id string) (discovery.Run, error) {
			return discovery.Run{ID: id, Status: discovery.RunStatusRunning}, nil
		},
	}, config.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.srv.URL+"/v1/runs/run-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscription a moment to register before publishing.
	require.Eventually(t, func() bool {
		return fx.events.SubscriberCount("run-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.events.Consume(context.Background(), []progress.Event{{
		RunID:      "run-1",
		TS:         time.Now(),
		Stage:      progress.StageCandidate,
		Platform:   "wolt",
		URL:        "https://wolt.com/x/menu",
		Confidence: 88,
	}}))

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: CANDIDATE_FOUND") {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "wolt.com") {
			sawData = true
		}
	}
}
