package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
	"github.com/plantedlabs/venuescout/internal/orchestrator"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type startRunRequest struct {
	Kind      string   `json:"kind"`
	Platforms []string `json:"platforms"`
	Country   string   `json:"country"`
	Cities    []string `json:"cities"`
	VenueURLs []string `json:"venue_urls"`
	BatchSize int      `json:"batch_size"`
	MaxUnits  int      `json:"max_units"`
}

type cancelRunRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

// startRun handles POST /v1/runs. Admission denials surface as 429 with the
// decision detail so callers can distinguish throttling from failure.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}

	runCfg := discovery.RunConfig{
		Platforms: req.Platforms,
		Country:   req.Country,
		Cities:    req.Cities,
		VenueURLs: req.VenueURLs,
		BatchSize: req.BatchSize,
		MaxUnits:  req.MaxUnits,
	}
	if runCfg.BatchSize <= 0 {
		runCfg.BatchSize = s.cfg.Runs.DefaultBatchSize
	}
	if runCfg.MaxUnits <= 0 {
		runCfg.MaxUnits = s.cfg.Runs.DefaultMaxUnits
	}

	var (
		run discovery.Run
		err error
	)
	switch discovery.RunKind(req.Kind) {
	case discovery.RunKindDiscovery:
		run, err = s.runs.StartDiscovery(r.Context(), runCfg)
	case discovery.RunKindExtraction:
		run, err = s.runs.StartExtraction(r.Context(), runCfg)
	default:
		writeError(s.logger, w, http.StatusBadRequest, "kind must be discovery or extraction")
		return
	}
	if err != nil {
		var denied *orchestrator.ErrBudgetDenied
		if errors.As(err, &denied) {
			writeJSON(s.logger, w, http.StatusTooManyRequests, map[string]any{
				"error":    "budget admission denied",
				"decision": denied.Decision,
			})
			return
		}
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	var status *discovery.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseRunStatus(raw)
		if parseErr != nil {
			writeError(s.logger, w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	runs, err := s.runs.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var req cancelRunRequest
	if r.Body != nil {
		// The body is optional; a bare POST cancels as "api".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	by := req.CancelledBy
	if by == "" {
		by = "api"
	}

	err := s.runs.Cancel(r.Context(), runID, by)
	switch {
	case err == nil:
		writeJSON(s.logger, w, http.StatusAccepted, map[string]string{
			"run_id":       runID,
			"cancelled_by": by,
		})
	case errors.Is(err, discovery.ErrNotFound):
		writeError(s.logger, w, http.StatusNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrRunTerminal):
		writeError(s.logger, w, http.StatusConflict, "run is already terminal")
	default:
		s.logger.Error("cancel run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to cancel run")
	}
}

func parseRunStatus(input string) (discovery.RunStatus, error) {
	status := discovery.RunStatus(strings.ToLower(input))
	switch status {
	case discovery.RunStatusPending, discovery.RunStatusRunning,
		discovery.RunStatusCompleted, discovery.RunStatusFailed,
		discovery.RunStatusPartial, discovery.RunStatusCancelled:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}
