// Package orchestrator sequences strategy selection, dedup, admission,
// credential rotation, fetching, extraction and scoring into observable
// discovery and extraction runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plantedlabs/venuescout/internal/budget"
	"github.com/plantedlabs/venuescout/internal/credentials"
	"github.com/plantedlabs/venuescout/internal/dedup"
	"github.com/plantedlabs/venuescout/internal/discovery"
	"github.com/plantedlabs/venuescout/internal/fetch"
	"github.com/plantedlabs/venuescout/internal/progress"
	"github.com/plantedlabs/venuescout/internal/scoring"
	"github.com/plantedlabs/venuescout/internal/session"
	"github.com/plantedlabs/venuescout/internal/strategy"
)

// ErrBudgetDenied is returned when admission control refuses to start a run.
// The decision carries the audit detail.
type ErrBudgetDenied struct {
	Decision budget.Decision
}

func (e *ErrBudgetDenied) Error() string {
	return fmt.Sprintf("budget admission denied: %s", e.Decision.Reason)
}

// ErrRunTerminal is returned when an operation targets a run that already
// reached a terminal status.
var ErrRunTerminal = errors.New("run is already terminal")

// SessionRunner leases an isolated browser session; session.Manager satisfies
// it.
type SessionRunner interface {
	WithSession(ctx context.Context, venueURL string, fn func(ctx context.Context, page session.Page) error) error
}

// PageFetcher grabs a page over plain HTTP; fetch.Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Result, error)
}

// Config tunes run execution.
type Config struct {
	// Brand is the product brand all queries and scoring center on.
	Brand string
	// KnownPlatforms maps platform names to their host suffix, e.g.
	// "wolt" -> "wolt.com".
	KnownPlatforms map[string]string
	// PlatformWorkers caps concurrent units per platform. Kept low on
	// purpose; the limiter paces requests to stay under anti-bot radar.
	PlatformWorkers int
	QueryRPS        float64
	QueryBurst      int
	// ItemTimeout bounds one unit of work; an elapsed timeout fails the
	// item, never the run.
	ItemTimeout time.Duration
	// HeartbeatInterval drives idle heartbeats and also bounds worst-case
	// cancellation observation latency between units.
	HeartbeatInterval time.Duration
	LogRingSize       int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	// MinConfidence is the score floor below which a scored result is not
	// recorded as a candidate.
	MinConfidence float64
	// MaxResultsPerQuery caps how many search hits of one query get the
	// full fetch-and-analyze treatment.
	MaxResultsPerQuery int
	// DegradedThreshold is the consecutive-failure count after which a
	// platform is skipped for the rest of the run.
	DegradedThreshold int
	VenueTopic        string
	DishTopic         string
	SnapshotPrefix    string
}

func (c Config) withDefaults() Config {
	if c.PlatformWorkers <= 0 {
		c.PlatformWorkers = 2
	}
	if c.QueryRPS <= 0 {
		c.QueryRPS = 0.5
	}
	if c.QueryBurst <= 0 {
		c.QueryBurst = 1
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LogRingSize <= 0 {
		c.LogRingSize = 200
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 40
	}
	if c.MaxResultsPerQuery <= 0 {
		c.MaxResultsPerQuery = 5
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 3
	}
	if c.VenueTopic == "" {
		c.VenueTopic = "candidates.venue"
	}
	if c.DishTopic == "" {
		c.DishTopic = "candidates.dish"
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "snapshots"
	}
	return c
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Runs        discovery.RunStore
	Candidates  discovery.CandidateStore
	Strategies  *strategy.Engine
	Budget      *budget.Controller
	Credentials *credentials.Pool
	Dedup       *dedup.Cache
	Scorer      *scoring.Scorer
	Search      discovery.SearchClient
	Analyzer    discovery.Analyzer
	Sessions    SessionRunner
	Pages       PageFetcher
	Blobs       discovery.BlobStore
	Publisher   discovery.Publisher
	Emitter     progress.Emitter
	Clock       discovery.Clock
	IDGen       discovery.IDGenerator
	Logger      *zap.Logger
}

// Orchestrator owns all active runs.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	retry retryPolicy

	mu     sync.Mutex
	active map[string]*runState
	wg     sync.WaitGroup
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		retry:  newRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay),
		active: make(map[string]*runState),
	}
}

// StartDiscovery plans a discovery run, passes admission, creates the run
// record and launches the background worker. The returned run is in pending
// status.
func (o *Orchestrator) StartDiscovery(ctx context.Context, cfg discovery.RunConfig) (discovery.Run, error) {
	units, err := o.planDiscovery(ctx, cfg)
	if err != nil {
		return discovery.Run{}, err
	}

	estimate := o.deps.Budget.Estimate(budget.Units{
		FreeSearches: len(units),
		AICalls:      len(units),
	})
	st, err := o.admitAndCreate(ctx, discovery.RunKindDiscovery, cfg, len(units), estimate)
	if err != nil {
		return discovery.Run{}, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.executeRun(st, len(units), func(rc *runContext) {
			o.runUnits(rc, groupUnits(units), o.processDiscoveryUnit)
		})
	}()
	return st.snapshot(), nil
}

// StartExtraction launches an extraction run over the configured venue URLs.
func (o *Orchestrator) StartExtraction(ctx context.Context, cfg discovery.RunConfig) (discovery.Run, error) {
	if len(cfg.VenueURLs) == 0 {
		return discovery.Run{}, errors.New("extraction run requires venue urls")
	}
	units := o.planExtraction(cfg)

	estimate := o.deps.Budget.Estimate(budget.Units{AICalls: len(units)})
	st, err := o.admitAndCreate(ctx, discovery.RunKindExtraction, cfg, len(units), estimate)
	if err != nil {
		return discovery.Run{}, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.executeRun(st, len(units), func(rc *runContext) {
			o.runUnits(rc, groupUnits(units), o.processExtractionUnit)
		})
	}()
	return st.snapshot(), nil
}

// GetRun returns the live snapshot for active runs and falls back to the
// store for finished ones.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (discovery.Run, error) {
	o.mu.Lock()
	st, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		return st.snapshot(), nil
	}
	return o.deps.Runs.GetRun(ctx, id)
}

// ListRuns proxies the run store.
func (o *Orchestrator) ListRuns(
	ctx context.Context,
	status *discovery.RunStatus,
	limit, offset int,
) ([]discovery.Run, error) {
	return o.deps.Runs.ListRuns(ctx, status, limit, offset)
}

// Cancel requests cooperative cancellation. The flag is observed at the next
// unit boundary; in-flight fetches are allowed to finish.
func (o *Orchestrator) Cancel(ctx context.Context, id, by string) error {
	o.mu.Lock()
	st, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		if !st.requestCancel(ctx, by) {
			return ErrRunTerminal
		}
		return nil
	}

	run, err := o.deps.Runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	// Orphaned record with no live worker (e.g. after a restart): settle it
	// directly.
	now := o.deps.Clock.Now()
	run.Status = discovery.RunStatusCancelled
	run.CancelledAt = &now
	run.CancelledBy = by
	run.CompletedAt = &now
	return o.deps.Runs.UpdateRun(ctx, run)
}

// Close waits for all in-flight runs to settle.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

func (o *Orchestrator) admitAndCreate(
	ctx context.Context,
	kind discovery.RunKind,
	cfg discovery.RunConfig,
	totalUnits int,
	estimate float64,
) (*runState, error) {
	decision, err := o.deps.Budget.Admit(ctx, estimate)
	if err != nil {
		return nil, fmt.Errorf("budget admit: %w", err)
	}
	if !decision.Allowed {
		// No run exists yet, so there is no run id to emit a throttle event
		// under; the denial is already on the ledger audit log and in the
		// returned decision.
		return nil, &ErrBudgetDenied{Decision: decision}
	}

	id, err := o.deps.IDGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	run := discovery.Run{
		ID:        id,
		Kind:      kind,
		Status:    discovery.RunStatusPending,
		Config:    cfg,
		Progress:  discovery.Progress{Total: totalUnits},
		StartedAt: o.deps.Clock.Now(),
	}
	if err := o.deps.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	st := newRunState(run, o.cfg.LogRingSize, o.deps.Runs, o.deps.Clock, o.deps.Logger)
	st.appendLog(fmt.Sprintf("%s run created with %d units (estimated $%.2f)", kind, totalUnits, estimate))
	o.mu.Lock()
	o.active[id] = st
	o.mu.Unlock()
	return st, nil
}

// runContext carries the per-run execution state shared by the workers.
type runContext struct {
	ctx   context.Context
	stop  context.CancelFunc
	st    *runState
	tally *costTally

	verdictMu   sync.Mutex
	verdict     discovery.RunStatus
	verdictLine string

	degradedMu sync.Mutex
	degraded   map[string]int
}

// setVerdict records the first mid-run terminal cause and stops the workers.
func (rc *runContext) setVerdict(status discovery.RunStatus, line string) {
	rc.verdictMu.Lock()
	if rc.verdict == "" {
		rc.verdict = status
		rc.verdictLine = line
		rc.stop()
	}
	rc.verdictMu.Unlock()
}

// markPlatformFailure counts consecutive failures; crossing the threshold
// degrades the platform for the rest of the run.
func (rc *runContext) markPlatformFailure(platform string, threshold int) bool {
	rc.degradedMu.Lock()
	defer rc.degradedMu.Unlock()
	rc.degraded[platform]++
	return rc.degraded[platform] >= threshold
}

func (rc *runContext) markPlatformSuccess(platform string) {
	rc.degradedMu.Lock()
	defer rc.degradedMu.Unlock()
	rc.degraded[platform] = 0
}

func (rc *runContext) platformDegraded(platform string, threshold int) bool {
	rc.degradedMu.Lock()
	defer rc.degradedMu.Unlock()
	return rc.degraded[platform] >= threshold
}

// executeRun is the lifecycle wrapper shared by both run kinds: heartbeats,
// terminal verdict, cost commit and teardown.
func (o *Orchestrator) executeRun(st *runState, totalUnits int, work func(rc *runContext)) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rc := &runContext{
		ctx:      ctx,
		stop:     stop,
		st:       st,
		tally:    newCostTally(),
		degraded: make(map[string]int),
	}

	st.markRunning(ctx)
	run := st.snapshot()
	o.emit(progress.Event{
		RunID: run.ID,
		TS:    o.deps.Clock.Now(),
		Stage: progress.StageRunStart,
		Total: totalUnits,
	})

	hbDone := make(chan struct{})
	go o.heartbeat(rc, hbDone)

	work(rc)

	stop()
	close(hbDone)

	status := discovery.RunStatusCompleted
	line := "run completed"
	rc.verdictMu.Lock()
	if rc.verdict != "" {
		status = rc.verdict
		line = rc.verdictLine
	}
	rc.verdictMu.Unlock()
	if status == discovery.RunStatusCompleted && st.cancelRequested() {
		status = discovery.RunStatusCancelled
		line = "run cancelled"
	}

	bg := context.Background()
	if err := o.deps.Budget.Commit(bg, run.ID, rc.tally.actual()); err != nil {
		if errors.Is(err, budget.ErrDuplicateCommit) {
			status = discovery.RunStatusFailed
			line = fmt.Sprintf("ledger invariant violated: %v", err)
		} else {
			st.appendLog(fmt.Sprintf("cost commit failed: %v", err))
		}
	}

	st.finish(bg, status, line)
	final := st.snapshot()
	o.emit(progress.Event{
		RunID:  final.ID,
		TS:     o.deps.Clock.Now(),
		Stage:  progress.StageRunDone,
		Status: string(final.Status),
		Dur:    o.deps.Clock.Now().Sub(final.StartedAt),
	})

	o.mu.Lock()
	delete(o.active, final.ID)
	o.mu.Unlock()
}

// heartbeat emits periodic liveness events and flushes buffered log lines.
func (o *Orchestrator) heartbeat(rc *runContext, done <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			run := rc.st.snapshot()
			rc.st.flush(rc.ctx)
			o.emit(progress.Event{
				RunID:   run.ID,
				TS:      o.deps.Clock.Now(),
				Stage:   progress.StageRunHB,
				Current: run.Progress.Current,
				Total:   run.Progress.Total,
			})
		}
	}
}

// runUnits drains the grouped units with bounded per-platform concurrency and
// per-platform pacing. Cancellation and budget verdicts are observed between
// units.
func (o *Orchestrator) runUnits(rc *runContext, groups map[string][]workUnit, process func(rc *runContext, u workUnit)) {
	var wg sync.WaitGroup
	for platform, units := range groups {
		limiter := rate.NewLimiter(rate.Limit(o.cfg.QueryRPS), o.cfg.QueryBurst)
		ch := make(chan workUnit)

		workers := o.cfg.PlatformWorkers
		if workers > len(units) {
			workers = len(units)
		}
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(platform string) {
				defer wg.Done()
				for u := range ch {
					if rc.ctx.Err() != nil {
						continue
					}
					if rc.st.cancelRequested() {
						rc.setVerdict(discovery.RunStatusCancelled, "run cancelled")
						continue
					}
					if rc.platformDegraded(platform, o.cfg.DegradedThreshold) {
						rc.st.appendLog(fmt.Sprintf("skipping unit on degraded platform %s", platform))
						rc.st.addProgress(context.Background(), 1, discovery.Costs{})
						continue
					}
					if !o.admitUnit(rc, u) {
						continue
					}
					if err := limiter.Wait(rc.ctx); err != nil {
						continue
					}
					process(rc, u)
				}
			}(platform)
		}

		wg.Add(1)
		go func(units []workUnit) {
			defer wg.Done()
			defer close(ch)
			for _, u := range units {
				select {
				case ch <- u:
				case <-rc.ctx.Done():
					return
				}
			}
		}(units)
	}
	wg.Wait()
}

// admitUnit re-checks the budget before each unit; a denial mid-run is the
// controlled transition to partial, never an error.
func (o *Orchestrator) admitUnit(rc *runContext, u workUnit) bool {
	decision, err := o.deps.Budget.Admit(rc.ctx, u.estimate)
	if err != nil {
		rc.st.appendLog(fmt.Sprintf("budget check failed: %v", err))
		return false
	}
	if !decision.Allowed {
		run := rc.st.snapshot()
		o.emit(progress.Event{
			RunID: run.ID,
			TS:    o.deps.Clock.Now(),
			Stage: progress.StageThrottle,
			Note:  decision.Reason,
		})
		rc.setVerdict(discovery.RunStatusPartial,
			fmt.Sprintf("budget exhausted mid-run: %s", decision.Reason))
		return false
	}
	return true
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Emitter != nil {
		o.deps.Emitter.Emit(evt)
	}
}

// costTally accumulates the realized cost of a run across workers.
type costTally struct {
	mu           sync.Mutex
	freeSearches int
	paidSearches int
	aiCalls      map[string]int
}

func newCostTally() *costTally {
	return &costTally{aiCalls: make(map[string]int)}
}

func (t *costTally) addSearch(paid bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if paid {
		t.paidSearches++
	} else {
		t.freeSearches++
	}
}

func (t *costTally) addAICall(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aiCalls[provider]++
}

func (t *costTally) actual() budget.Actual {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make(map[string]int, len(t.aiCalls))
	for k, v := range t.aiCalls {
		calls[k] = v
	}
	return budget.Actual{
		FreeSearches: t.freeSearches,
		PaidSearches: t.paidSearches,
		AICalls:      calls,
	}
}
