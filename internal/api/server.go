// Package api exposes the HTTP interface for the discovery service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/budget"
	"github.com/plantedlabs/venuescout/internal/config"
	"github.com/plantedlabs/venuescout/internal/credentials"
	"github.com/plantedlabs/venuescout/internal/discovery"
	"github.com/plantedlabs/venuescout/internal/progress/sinks"
	"github.com/plantedlabs/venuescout/internal/strategy"
	"github.com/plantedlabs/venuescout/internal/telemetry"
)

const requestTimeout = 30 * time.Second

// RunService is the orchestrator surface the API depends on.
type RunService interface {
	StartDiscovery(ctx context.Context, cfg discovery.RunConfig) (discovery.Run, error)
	StartExtraction(ctx context.Context, cfg discovery.RunConfig) (discovery.Run, error)
	GetRun(ctx context.Context, id string) (discovery.Run, error)
	ListRuns(ctx context.Context, status *discovery.RunStatus, limit, offset int) ([]discovery.Run, error)
	Cancel(ctx context.Context, id, by string) error
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router     chi.Router
	runs       RunService
	candidates discovery.CandidateStore
	strategies *strategy.Engine
	budget     *budget.Controller
	creds      *credentials.Pool
	events     *sinks.Broadcast
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runs RunService,
	candidates discovery.CandidateStore,
	strategies *strategy.Engine,
	budgetCtrl *budget.Controller,
	creds *credentials.Pool,
	events *sinks.Broadcast,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:       runs,
		candidates: candidates,
		strategies: strategies,
		budget:     budgetCtrl,
		creds:      creds,
		events:     events,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			// The event stream holds its connection open, so it stays
			// outside the timeout group.
			r.Get("/{run_id}/events", s.streamRunEvents)

			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Post("/", s.startRun)
				r.Get("/", s.listRuns)
				r.Get("/{run_id}", s.getRun)
				r.Post("/{run_id}/cancel", s.cancelRun)
			})
		})
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Route("/candidates", func(r chi.Router) {
				r.Get("/", s.listCandidates)
				r.Get("/{candidate_id}", s.getCandidate)
			})
			r.Route("/strategies", func(r chi.Router) {
				r.Get("/", s.listStrategies)
				r.Post("/", s.createStrategy)
				r.Post("/evolve", s.evolveStrategies)
			})
			r.Get("/budget", s.getBudget)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.budget != nil {
		if _, _, err := s.budget.Snapshot(r.Context()); err != nil {
			writeError(s.logger, w, http.StatusServiceUnavailable, "ledger unavailable")
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
