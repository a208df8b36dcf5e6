package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

const ssePingInterval = 15 * time.Second

// streamRunEvents handles GET /v1/runs/{run_id}/events as a server-sent
// event stream. The stream ends when the client disconnects or the hub shuts
// down; terminal runs still get their buffered tail delivered.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "run not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load run")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(s.logger, w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.events.Subscribe(runID, 64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("marshal event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Stage, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
