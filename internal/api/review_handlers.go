package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

const (
	defaultCandidateLimit = 100
	maxCandidateLimit     = 1000
)

func (s *Server) listCandidates(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultCandidateLimit, maxCandidateLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	var status *discovery.CandidateStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseCandidateStatus(raw)
		if parseErr != nil {
			writeError(s.logger, w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	cands, err := s.candidates.ListCandidates(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list candidates failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list candidates")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) getCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "candidate_id")
	cand, err := s.candidates.GetCandidate(r.Context(), id)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "candidate not found")
			return
		}
		s.logger.Error("get candidate failed", zap.String("candidate_id", id), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load candidate")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"candidate": cand})
}

type createStrategyRequest struct {
	Platform string   `json:"platform"`
	Country  string   `json:"country"`
	Template string   `json:"template"`
	Prior    float64  `json:"prior"`
	Tags     []string `json:"tags"`
}

func (s *Server) createStrategy(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Platform == "" || req.Template == "" {
		writeError(s.logger, w, http.StatusBadRequest, "platform and template are required")
		return
	}
	prior := req.Prior
	if prior <= 0 {
		prior = 50
	}
	created, err := s.strategies.Create(r.Context(), discovery.Strategy{
		Platform: req.Platform,
		Country:  req.Country,
		Template: req.Template,
		Origin:   discovery.OriginManual,
		Tags:     req.Tags,
	}, prior)
	if err != nil {
		s.logger.Error("create strategy failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to create strategy")
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]any{"strategy": created})
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	platform := strings.TrimSpace(r.URL.Query().Get("platform"))
	country := strings.TrimSpace(r.URL.Query().Get("country"))
	eligible, err := s.strategies.SelectEligible(r.Context(), platform, country)
	if err != nil {
		s.logger.Error("list strategies failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list strategies")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"strategies": eligible})
}

func (s *Server) evolveStrategies(w http.ResponseWriter, r *http.Request) {
	created, err := s.strategies.Evolve(r.Context())
	if err != nil {
		s.logger.Error("strategy evolution failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "strategy evolution failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"created": created})
}

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request) {
	day, month, err := s.budget.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("budget snapshot failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load budget")
		return
	}
	payload := map[string]any{"day": day, "month": month}
	if s.creds != nil {
		payload["credentials"] = s.creds.Snapshot()
	}
	writeJSON(s.logger, w, http.StatusOK, payload)
}

func parseCandidateStatus(input string) (discovery.CandidateStatus, error) {
	status := discovery.CandidateStatus(strings.ToLower(input))
	switch status {
	case discovery.CandidateDiscovered, discovery.CandidateVerified,
		discovery.CandidateRejected, discovery.CandidatePromoted,
		discovery.CandidateStale:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}
