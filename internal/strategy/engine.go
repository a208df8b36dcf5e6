// Package strategy owns query templates, their derived success statistics,
// and the learning step that evolves new templates from proven ones.
package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// Config tunes selection, deprecation and evolution.
type Config struct {
	// MinSuccessRate is the selection floor; strategies below it are not
	// returned by SelectEligible once they have enough samples.
	MinSuccessRate float64
	// DeprecationFloor retires a strategy whose rate stays below it after
	// MinSamples uses.
	DeprecationFloor float64
	MinSamples       int
	// RecencyWeight blends freshness into the selection order; 0 disables it.
	RecencyWeight float64
	// RecencyHalfLife controls how fast a strategy's freshness decays.
	RecencyHalfLife time.Duration
	// Evolution thresholds: cluster members need at least EvolveMinRate
	// success over EvolveMinUses uses.
	EvolveMinRate float64
	EvolveMinUses int
}

func (c Config) withDefaults() Config {
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = 20
	}
	if c.DeprecationFloor <= 0 {
		c.DeprecationFloor = 10
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.RecencyWeight <= 0 {
		c.RecencyWeight = 0.25
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 7 * 24 * time.Hour
	}
	if c.EvolveMinRate <= 0 {
		c.EvolveMinRate = 60
	}
	if c.EvolveMinUses <= 0 {
		c.EvolveMinUses = 5
	}
	return c
}

// Engine wraps a StrategyStore with selection, outcome accounting and
// evolution. success_rate is always recomputed from the counters here and is
// never accepted from callers.
type Engine struct {
	store  discovery.StrategyStore
	clock  discovery.Clock
	idGen  discovery.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New builds an Engine.
func New(store discovery.StrategyStore, clock discovery.Clock, idGen discovery.IDGenerator, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		clock:  clock,
		idGen:  idGen,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Create registers a new strategy, assigning its identity and stamping its
// counters so the derived rate reflects the given prior. A prior of 50 is
// encoded as one success over two virtual uses rather than a free-standing
// rate field.
func (e *Engine) Create(ctx context.Context, s discovery.Strategy, prior float64) (discovery.Strategy, error) {
	id, err := e.idGen.NewID()
	if err != nil {
		return discovery.Strategy{}, fmt.Errorf("strategy id: %w", err)
	}
	s.ID = id
	s.CreatedAt = e.clock.Now()
	if prior > 0 && s.TotalUses == 0 {
		s.TotalUses = 2
		s.SuccessfulDiscoveries = int(math.Round(prior / 100 * 2))
	}
	s.SuccessRate = deriveRate(s)
	if err := e.store.CreateStrategy(ctx, s); err != nil {
		return discovery.Strategy{}, fmt.Errorf("create strategy: %w", err)
	}
	return s, nil
}

// SelectEligible returns non-deprecated strategies for the platform/country,
// ordered by a blend of success rate and freshness. Strategies still inside
// their sampling window pass regardless of rate so new templates get a chance.
func (e *Engine) SelectEligible(ctx context.Context, platform, country string) ([]discovery.Strategy, error) {
	all, err := e.store.ListStrategies(ctx, platform, country)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	now := e.clock.Now()
	eligible := make([]discovery.Strategy, 0, len(all))
	for _, s := range all {
		if s.Deprecated() {
			continue
		}
		if s.TotalUses >= e.cfg.MinSamples && s.SuccessRate < e.cfg.MinSuccessRate {
			continue
		}
		eligible = append(eligible, s)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return e.blend(eligible[i], now) > e.blend(eligible[j], now)
	})
	return eligible, nil
}

// RecordOutcome updates the counters for one execution and recomputes the
// derived rate. A strategy whose rate stays under the deprecation floor after
// the minimum sample size is retired (kept, never deleted).
func (e *Engine) RecordOutcome(ctx context.Context, strategyID string, outcome discovery.Outcome) (discovery.Strategy, error) {
	s, err := e.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return discovery.Strategy{}, fmt.Errorf("get strategy %s: %w", strategyID, err)
	}
	s.TotalUses++
	switch outcome {
	case discovery.OutcomeSuccess:
		s.SuccessfulDiscoveries++
	case discovery.OutcomeFalsePositive:
		s.FalsePositives++
	case discovery.OutcomeNoResult:
		// counted in TotalUses only
	default:
		return discovery.Strategy{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	s.SuccessRate = deriveRate(s)
	now := e.clock.Now()
	s.LastUsedAt = &now

	if !s.Deprecated() && s.TotalUses >= e.cfg.MinSamples && s.SuccessRate < e.cfg.DeprecationFloor {
		s.DeprecatedAt = &now
		s.DeprecatedReason = fmt.Sprintf("success rate %.1f%% below floor %.1f%% after %d uses",
			s.SuccessRate, e.cfg.DeprecationFloor, s.TotalUses)
		e.logger.Info("strategy deprecated",
			zap.String("strategy_id", s.ID),
			zap.String("reason", s.DeprecatedReason),
		)
	}

	if err := e.store.UpdateStrategy(ctx, s); err != nil {
		return discovery.Strategy{}, fmt.Errorf("update strategy %s: %w", strategyID, err)
	}
	return s, nil
}

// Evolve inspects clusters of high-performing strategies per platform/country
// and synthesizes new templates from their shared vocabulary. New strategies
// are tagged evolved, point at the cluster's best member, and start from a
// neutral prior.
func (e *Engine) Evolve(ctx context.Context) ([]discovery.Strategy, error) {
	all, err := e.store.ListStrategies(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}

	clusters := make(map[string][]discovery.Strategy)
	existing := make(map[string]struct{})
	for _, s := range all {
		existing[normalizeTemplate(s.Template)] = struct{}{}
		if s.Deprecated() || s.TotalUses < e.cfg.EvolveMinUses || s.SuccessRate < e.cfg.EvolveMinRate {
			continue
		}
		key := s.Platform + "|" + s.Country
		clusters[key] = append(clusters[key], s)
	}

	var born []discovery.Strategy
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		template, parent := synthesize(cluster)
		if template == "" {
			continue
		}
		if _, dup := existing[normalizeTemplate(template)]; dup {
			continue
		}
		child := discovery.Strategy{
			Platform: parent.Platform,
			Country:  parent.Country,
			Template: template,
			Origin:   discovery.OriginEvolved,
			ParentID: parent.ID,
			Tags:     []string{"evolved"},
		}
		created, err := e.Create(ctx, child, 50)
		if err != nil {
			return born, err
		}
		existing[normalizeTemplate(template)] = struct{}{}
		born = append(born, created)
		e.logger.Info("strategy evolved",
			zap.String("strategy_id", created.ID),
			zap.String("parent_id", parent.ID),
			zap.String("template", template),
		)
	}
	return born, nil
}

func (e *Engine) blend(s discovery.Strategy, now time.Time) float64 {
	age := now.Sub(s.CreatedAt)
	if age < 0 {
		age = 0
	}
	freshness := 100 * math.Exp(-float64(age)/float64(e.cfg.RecencyHalfLife))
	w := e.cfg.RecencyWeight
	return (1-w)*s.SuccessRate + w*freshness
}

// deriveRate is the single place the success rate is computed. Two virtual
// uses worth of prior are already folded into the counters at creation time.
func deriveRate(s discovery.Strategy) float64 {
	if s.TotalUses == 0 {
		return 0
	}
	return 100 * float64(s.SuccessfulDiscoveries) / float64(s.TotalUses)
}

// synthesize builds one new template from tokens shared by at least two
// cluster members, anchored on the best performer as parent.
func synthesize(cluster []discovery.Strategy) (string, discovery.Strategy) {
	sort.SliceStable(cluster, func(i, j int) bool {
		return cluster[i].SuccessRate > cluster[j].SuccessRate
	})
	parent := cluster[0]

	counts := make(map[string]int)
	order := make([]string, 0)
	for _, s := range cluster {
		seen := make(map[string]struct{})
		for _, tok := range strings.Fields(strings.ToLower(s.Template)) {
			if tok == CityPlaceholder {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			if counts[tok] == 0 {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}

	var shared []string
	for _, tok := range order {
		if counts[tok] >= 2 {
			shared = append(shared, tok)
		}
	}
	if len(shared) == 0 {
		return "", parent
	}
	return strings.Join(append(shared, CityPlaceholder), " "), parent
}

func normalizeTemplate(t string) string {
	return strings.Join(strings.Fields(strings.ToLower(t)), " ")
}
