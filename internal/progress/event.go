// Package progress defines the event stream emitted by running discovery and
// extraction runs.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunHB     Stage = "RUN_HEARTBEAT"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
	StageQueryDone Stage = "QUERY_DONE"
	StageCandidate Stage = "CANDIDATE_FOUND"
	StageThrottle  Stage = "BUDGET_THROTTLE"
)

// Event captures a single run milestone.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Platform scopes query and candidate events to a delivery platform.
	Platform string
	// Query is the executed search query for QUERY_DONE events.
	Query string
	// URL is the candidate URL for CANDIDATE_FOUND events.
	URL string
	// Current and Total carry unit progress on heartbeat and query events.
	Current int
	Total   int
	// Status carries the terminal run status on RUN_DONE events.
	Status string
	// Confidence is the candidate score for CANDIDATE_FOUND events.
	Confidence float64
	// Dur captures latency for query completions and run totals.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunHB, StageRunError, StageThrottle:
	case StageRunDone:
		if e.Status == "" {
			return errors.New("run done requires a terminal status")
		}
	case StageQueryDone:
		if e.Platform == "" {
			return errors.New("query done requires platform")
		}
	case StageCandidate:
		if e.URL == "" {
			return errors.New("candidate event requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
