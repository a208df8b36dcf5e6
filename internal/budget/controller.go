// Package budget implements the ledger and admission-control gate that decides
// whether prospective work may run given spend-to-date.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// ErrDuplicateCommit is returned when a run attempts to commit its actual cost
// twice. The first commit stands; callers must treat the duplicate as fatal.
var ErrDuplicateCommit = errors.New("cost already committed for run")

// Config prices units of work and sets spend ceilings.
type Config struct {
	PaidSearchUSD   float64
	AICallUSD       float64
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	// DenyFraction is the soft ceiling: admission refuses work whose projected
	// spend would cross this fraction of the period limit.
	DenyFraction float64
}

// Units counts prospective work for an estimate. Free searches price at zero.
type Units struct {
	FreeSearches int
	PaidSearches int
	AICalls      int
}

// Actual is the realized cost of a finished run.
type Actual struct {
	FreeSearches int
	PaidSearches int
	// AICalls counts calls per analysis provider.
	AICalls map[string]int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed      bool    `json:"allowed"`
	Reason       string  `json:"reason,omitempty"`
	CurrentSpend float64 `json:"current_spend"`
	Limit        float64 `json:"limit"`
	Remaining    float64 `json:"remaining"`
}

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Controller is the single owner of the budget ledgers. All spend mutation
// and every admission decision goes through its mutex, so two runs charging
// simultaneously cannot corrupt the counters.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	store     discovery.LedgerStore
	clock     discovery.Clock
	committed map[string]struct{}
	logger    *zap.Logger
}

// New builds a Controller persisting through the given ledger store.
func New(cfg Config, store discovery.LedgerStore, clock discovery.Clock, logger *zap.Logger) *Controller {
	if cfg.DenyFraction <= 0 || cfg.DenyFraction > 1 {
		cfg.DenyFraction = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		committed: make(map[string]struct{}),
		logger:    logger,
	}
}

// Estimate prices prospective units of work. Free searches cost nothing.
func (c *Controller) Estimate(units Units) float64 {
	return float64(units.PaidSearches)*c.cfg.PaidSearchUSD +
		float64(units.AICalls)*c.cfg.AICallUSD
}

// Admit checks the estimate against both the daily and the monthly ledger; the
// stricter verdict applies. Every denial is appended to the ledgers' throttle
// logs for audit.
func (c *Controller) Admit(ctx context.Context, estimatedCost float64) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	day, err := c.loadEntry(ctx, now.Format(dayLayout))
	if err != nil {
		return Decision{}, err
	}
	month, err := c.loadEntry(ctx, now.Format(monthLayout))
	if err != nil {
		return Decision{}, err
	}

	daily := c.check("daily", day.SpendUSD, c.cfg.DailyLimitUSD, estimatedCost)
	if !daily.Allowed {
		if err := c.recordThrottle(ctx, &day, &month, daily.Reason); err != nil {
			return Decision{}, err
		}
		return daily, nil
	}
	monthly := c.check("monthly", month.SpendUSD, c.cfg.MonthlyLimitUSD, estimatedCost)
	if !monthly.Allowed {
		if err := c.recordThrottle(ctx, &day, &month, monthly.Reason); err != nil {
			return Decision{}, err
		}
		return monthly, nil
	}
	return daily, nil
}

// Commit records a run's realized cost exactly once. A second commit for the
// same run returns ErrDuplicateCommit and leaves the ledgers untouched.
func (c *Controller) Commit(ctx context.Context, runID string, actual Actual) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.committed[runID]; done {
		return fmt.Errorf("run %s: %w", runID, ErrDuplicateCommit)
	}

	now := c.clock.Now()
	spend := c.priceActual(actual)
	staged := make([]discovery.LedgerEntry, 0, 2)
	for _, period := range []string{now.Format(dayLayout), now.Format(monthLayout)} {
		entry, err := c.loadEntry(ctx, period)
		if err != nil {
			return err
		}
		entry.FreeSearches += actual.FreeSearches
		entry.PaidSearches += actual.PaidSearches
		if entry.AICalls == nil {
			entry.AICalls = make(map[string]int)
		}
		for provider, n := range actual.AICalls {
			entry.AICalls[provider] += n
		}
		entry.SpendUSD += spend
		staged = append(staged, entry)
	}
	// The run is marked committed before the writes: a retry after a partial
	// persist must return ErrDuplicateCommit, not add the day spend twice.
	c.committed[runID] = struct{}{}
	for _, entry := range staged {
		if err := c.store.PutEntry(ctx, entry); err != nil {
			return fmt.Errorf("run %s: put ledger entry %s: %w", runID, entry.Period, err)
		}
	}
	c.logger.Info("cost committed",
		zap.String("run_id", runID),
		zap.Float64("spend_usd", spend),
		zap.Int("free_searches", actual.FreeSearches),
		zap.Int("paid_searches", actual.PaidSearches),
	)
	return nil
}

// Snapshot returns the current day and month ledger entries.
func (c *Controller) Snapshot(ctx context.Context) (discovery.LedgerEntry, discovery.LedgerEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	day, err := c.loadEntry(ctx, now.Format(dayLayout))
	if err != nil {
		return discovery.LedgerEntry{}, discovery.LedgerEntry{}, err
	}
	month, err := c.loadEntry(ctx, now.Format(monthLayout))
	if err != nil {
		return discovery.LedgerEntry{}, discovery.LedgerEntry{}, err
	}
	return day, month, nil
}

// check applies the two-part admission rule. The hard rule refuses estimates
// larger than the remaining budget. The soft rule refuses work whose projected
// spend would cross the DenyFraction boundary; spend already past the boundary
// is only subject to the hard rule.
func (c *Controller) check(scope string, current, limit, estimate float64) Decision {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: true, CurrentSpend: current, Limit: limit, Remaining: remaining}
	if limit <= 0 {
		return d
	}
	if estimate > remaining {
		d.Allowed = false
		d.Reason = fmt.Sprintf("%s: estimate %.2f exceeds remaining budget %.2f", scope, estimate, remaining)
		return d
	}
	threshold := c.cfg.DenyFraction * limit
	if current < threshold && current+estimate > threshold {
		d.Allowed = false
		d.Reason = fmt.Sprintf("%s: projected spend %.2f would cross %.0f%% of limit %.2f",
			scope, current+estimate, c.cfg.DenyFraction*100, limit)
	}
	return d
}

func (c *Controller) priceActual(actual Actual) float64 {
	total := float64(actual.PaidSearches) * c.cfg.PaidSearchUSD
	for _, n := range actual.AICalls {
		total += float64(n) * c.cfg.AICallUSD
	}
	return total
}

func (c *Controller) loadEntry(ctx context.Context, period string) (discovery.LedgerEntry, error) {
	entry, err := c.store.GetEntry(ctx, period)
	if errors.Is(err, discovery.ErrNotFound) {
		return discovery.LedgerEntry{Period: period, AICalls: map[string]int{}}, nil
	}
	if err != nil {
		return discovery.LedgerEntry{}, fmt.Errorf("get ledger entry %s: %w", period, err)
	}
	return entry, nil
}

func (c *Controller) recordThrottle(ctx context.Context, day, month *discovery.LedgerEntry, reason string) error {
	evt := discovery.ThrottleEvent{At: c.clock.Now(), Reason: reason}
	day.Throttles = append(day.Throttles, evt)
	month.Throttles = append(month.Throttles, evt)
	if err := c.store.PutEntry(ctx, *day); err != nil {
		return fmt.Errorf("record throttle (day): %w", err)
	}
	if err := c.store.PutEntry(ctx, *month); err != nil {
		return fmt.Errorf("record throttle (month): %w", err)
	}
	c.logger.Warn("admission denied", zap.String("reason", reason))
	return nil
}
