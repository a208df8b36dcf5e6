// Package discovery defines core types shared across subsystems.
package discovery

import "time"

// RunKind distinguishes the two execution modes of the engine.
type RunKind string

// Supported run kinds.
const (
	RunKindDiscovery  RunKind = "discovery"
	RunKindExtraction RunKind = "extraction"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the run store. All values except pending and
// running are terminal.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status accepts no further mutation.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// RunConfig is the immutable configuration snapshot taken when a run is created.
type RunConfig struct {
	Platforms []string `json:"platforms"`
	Country   string   `json:"country"`
	Cities    []string `json:"cities"`
	// VenueURLs seeds extraction runs; ignored for discovery runs.
	VenueURLs []string `json:"venue_urls,omitempty"`
	BatchSize int      `json:"batch_size"`
	MaxUnits  int      `json:"max_units"`
}

// Progress reports completed units of work against the planned total.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Costs accumulates the billable footprint of a run.
type Costs struct {
	SearchQueries  int     `json:"search_queries"`
	AICalls        int     `json:"ai_calls"`
	EstimatedSpend float64 `json:"estimated_spend"`
}

// LogLine is one entry of a run's bounded log ring.
type LogLine struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Run represents one discovery or extraction execution. It is owned by the
// orchestrator and mutated only through its documented transitions.
type Run struct {
	ID          string     `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	Config      RunConfig  `json:"config"`
	Progress    Progress   `json:"progress"`
	Costs       Costs      `json:"costs"`
	Log         []LogLine  `json:"log,omitempty"`
	ETA         *time.Time `json:"eta,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy string     `json:"cancelled_by,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StrategyOrigin tags how a strategy came to exist.
type StrategyOrigin string

// Supported strategy origins.
const (
	OriginSeed    StrategyOrigin = "seed"
	OriginAgent   StrategyOrigin = "agent-generated"
	OriginManual  StrategyOrigin = "manual"
	OriginEvolved StrategyOrigin = "evolved"
)

// Strategy is a reusable search-query template scoped to a platform and country.
// SuccessRate is derived from the counters and never written independently.
type Strategy struct {
	ID                    string         `json:"id"`
	Platform              string         `json:"platform"`
	Country               string         `json:"country"`
	Template              string         `json:"template"`
	SuccessRate           float64        `json:"success_rate"`
	TotalUses             int            `json:"total_uses"`
	SuccessfulDiscoveries int            `json:"successful_discoveries"`
	FalsePositives        int            `json:"false_positives"`
	Origin                StrategyOrigin `json:"origin"`
	ParentID              string         `json:"parent_strategy_id,omitempty"`
	Tags                  []string       `json:"tags,omitempty"`
	DeprecatedAt          *time.Time     `json:"deprecated_at,omitempty"`
	DeprecatedReason      string         `json:"deprecated_reason,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	LastUsedAt            *time.Time     `json:"last_used_at,omitempty"`
}

// Deprecated reports whether the strategy has been retired from selection.
func (s Strategy) Deprecated() bool {
	return s.DeprecatedAt != nil
}

// Outcome describes the result of executing one strategy.
type Outcome string

// Supported strategy outcomes.
const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFalsePositive Outcome = "false_positive"
	OutcomeNoResult      Outcome = "no_result"
)

// CredentialSlot is one rotation unit of rate-limited search access.
type CredentialSlot struct {
	ID          string     `json:"id"`
	Key         string     `json:"-"`
	DailyQuota  int        `json:"daily_quota"`
	UsedToday   int        `json:"used_today"`
	Exhausted   bool       `json:"exhausted"`
	ExhaustedAt *time.Time `json:"exhausted_at,omitempty"`
}

// Credential is the handle returned by the pool for one query execution.
// Paid marks the metered fallback channel used once all free slots are spent.
type Credential struct {
	SlotID string
	Key    string
	Paid   bool
}

// ThrottleEvent records one admission denial for audit.
type ThrottleEvent struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// LedgerEntry is the accounting record for one period (a day or a month).
type LedgerEntry struct {
	Period       string          `json:"period"`
	FreeSearches int             `json:"free_searches"`
	PaidSearches int             `json:"paid_searches"`
	AICalls      map[string]int  `json:"ai_calls"`
	SpendUSD     float64         `json:"spend_usd"`
	Throttles    []ThrottleEvent `json:"throttles,omitempty"`
}

// CandidateKind distinguishes venue candidates from dish candidates.
type CandidateKind string

// Supported candidate kinds.
const (
	CandidateVenue CandidateKind = "venue"
	CandidateDish  CandidateKind = "dish"
)

// CandidateStatus tracks review state. The engine only ever writes discovered
// and stale; the remaining values belong to the review collaborator.
type CandidateStatus string

// Supported candidate statuses.
const (
	CandidateDiscovered CandidateStatus = "discovered"
	CandidateVerified   CandidateStatus = "verified"
	CandidateRejected   CandidateStatus = "rejected"
	CandidatePromoted   CandidateStatus = "promoted"
	CandidateStale      CandidateStatus = "stale"
)

// ConfidenceFactor is one named contribution to a candidate's score, retained
// for explainability.
type ConfidenceFactor struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Candidate is a provisional discovery awaiting human review.
type Candidate struct {
	ID           string             `json:"id"`
	RunID        string             `json:"run_id"`
	StrategyID   string             `json:"strategy_id,omitempty"`
	Kind         CandidateKind      `json:"kind"`
	Name         string             `json:"name"`
	URL          string             `json:"url"`
	Platform     string             `json:"platform"`
	City         string             `json:"city,omitempty"`
	Description  string             `json:"description,omitempty"`
	Price        string             `json:"price,omitempty"`
	Confidence   float64            `json:"confidence_score"`
	Factors      []ConfidenceFactor `json:"confidence_factors"`
	Status       CandidateStatus    `json:"status"`
	SnapshotURI  string             `json:"snapshot_uri,omitempty"`
	DiscoveredAt time.Time          `json:"discovered_at"`
}

// SearchResult is one hit returned by the search-engine service.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// AnalysisRequest carries one page payload to the content-analysis service.
type AnalysisRequest struct {
	URL     string
	Brand   string
	City    string
	Content string
}

// DishSignal is one menu item extracted by the content-analysis service.
type DishSignal struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Price        string  `json:"price"`
	ProductGuess string  `json:"product_guess"`
	BrandMention bool    `json:"brand_mention"`
	Relevance    float64 `json:"relevance"`
}

// AnalysisResult is the structured answer from the content-analysis service.
// A zero value means "no signal", never an error.
type AnalysisResult struct {
	VenueName    string       `json:"venue_name"`
	Description  string       `json:"description"`
	ProductGuess string       `json:"product_guess"`
	BrandMention bool         `json:"brand_mention"`
	Dishes       []DishSignal `json:"dishes"`
}
