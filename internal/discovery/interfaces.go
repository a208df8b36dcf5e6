package discovery

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrRateLimited is returned by SearchClient when the credential in use hit
// its quota. The caller must rotate credentials instead of retrying.
var ErrRateLimited = errors.New("search credential rate limited")

// StrategyStore persists query strategies.
type StrategyStore interface {
	CreateStrategy(ctx context.Context, s Strategy) error
	GetStrategy(ctx context.Context, id string) (Strategy, error)
	ListStrategies(ctx context.Context, platform, country string) ([]Strategy, error)
	UpdateStrategy(ctx context.Context, s Strategy) error
}

// RunStore persists run metadata and snapshots.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	UpdateRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}

// CandidateStore persists discovered candidates. The engine writes candidates
// in discovered or stale status only; later transitions belong to the review
// collaborator.
type CandidateStore interface {
	CreateCandidate(ctx context.Context, c Candidate) error
	GetCandidate(ctx context.Context, id string) (Candidate, error)
	ListCandidates(ctx context.Context, status *CandidateStatus, limit, offset int) ([]Candidate, error)
	UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus) error
}

// LedgerStore persists budget accounting records per period.
type LedgerStore interface {
	GetEntry(ctx context.Context, period string) (LedgerEntry, error)
	PutEntry(ctx context.Context, entry LedgerEntry) error
}

// SearchClient executes one query against the external search engine using
// the supplied credential. A quota response surfaces as ErrRateLimited.
type SearchClient interface {
	Search(ctx context.Context, query string, cred Credential) ([]SearchResult, error)
}

// Analyzer is the content-analysis service. Malformed or failed responses are
// reported as an empty AnalysisResult, not as errors, unless the transport
// itself failed.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
	Provider() string
}

// Publisher pushes candidate events to the review collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
