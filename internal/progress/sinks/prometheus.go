package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/plantedlabs/venuescout/internal/progress"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/completed/active and per-platform query and
// candidate counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	candidates    *prometheus.CounterVec
	confidence    prometheus.Histogram
	throttles     prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venuescout_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuescout_runs_completed_total",
			Help: "Total runs completed partitioned by terminal status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venuescout_runs_active",
			Help: "Current number of active runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venuescout_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuescout_search_queries_total",
			Help: "Executed search queries partitioned by platform.",
		}, []string{"platform"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venuescout_search_query_duration_seconds",
			Help:    "Search query duration partitioned by platform.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"platform"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuescout_candidates_total",
			Help: "Discovered candidates partitioned by platform.",
		}, []string{"platform"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "venuescout_candidate_confidence",
			Help:    "Confidence score distribution of discovered candidates.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venuescout_budget_throttles_total",
			Help: "Admission denials recorded by the budget controller.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runRuntime,
		s.queries,
		s.queryDuration,
		s.candidates,
		s.confidence,
		s.throttles,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register run event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone, progress.StageRunError:
		s.handleRunEnd(evt)
	case progress.StageQueryDone:
		s.handleQueryEvent(evt)
	case progress.StageCandidate:
		s.handleCandidateEvent(evt)
	case progress.StageThrottle:
		s.throttles.Inc()
	}
}

func (s *PrometheusSink) handleRunEnd(evt progress.Event) {
	status := evt.Status
	if status == "" {
		status = "failed"
	}
	s.runsCompleted.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) handleQueryEvent(evt progress.Event) {
	platform := evt.Platform
	if platform == "" {
		platform = "unknown"
	}
	s.queries.WithLabelValues(platform).Inc()
	if evt.Dur > 0 {
		s.queryDuration.WithLabelValues(platform).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleCandidateEvent(evt progress.Event) {
	platform := evt.Platform
	if platform == "" {
		platform = "unknown"
	}
	s.candidates.WithLabelValues(platform).Inc()
	s.confidence.Observe(evt.Confidence)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
