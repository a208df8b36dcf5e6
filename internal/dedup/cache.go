// Package dedup suppresses semantically duplicate search queries.
package dedup

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// Default validity windows. A query that produced results is not reissued for
// a day; a query that produced nothing is not reissued for a week.
const (
	DefaultHitWindow  = 24 * time.Hour
	DefaultMissWindow = 7 * 24 * time.Hour
)

// Config controls the cache validity windows.
type Config struct {
	HitWindow  time.Duration
	MissWindow time.Duration
}

type entry struct {
	executedAt time.Time
	hadResults bool
}

// Cache records previously issued queries under a canonical key. Lookups are
// fail-open: an unknown query is never skipped. Entries are reclaimed lazily
// once outside their window; there is no eviction goroutine.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	cfg     Config
	clock   discovery.Clock
}

// New builds a Cache. A nil clock falls back to the zero windows' defaults via
// Config; clock is required for deterministic tests.
func New(cfg Config, clock discovery.Clock) *Cache {
	if cfg.HitWindow <= 0 {
		cfg.HitWindow = DefaultHitWindow
	}
	if cfg.MissWindow <= 0 {
		cfg.MissWindow = DefaultMissWindow
	}
	return &Cache{
		entries: make(map[string]entry),
		cfg:     cfg,
		clock:   clock,
	}
}

// ShouldSkip reports whether the query was already issued within its validity
// window. Stale entries are removed on sight.
func (c *Cache) ShouldSkip(rawQuery string) bool {
	key := Normalize(rawQuery)
	if key == "" {
		return false
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	window := c.cfg.MissWindow
	if e.hadResults {
		window = c.cfg.HitWindow
	}
	if now.Sub(e.executedAt) >= window {
		delete(c.entries, key)
		return false
	}
	return true
}

// Record stores the execution of a query and whether it returned results.
func (c *Cache) Record(rawQuery string, hadResults bool) {
	key := Normalize(rawQuery)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{executedAt: c.clock.Now(), hadResults: hadResults}
}

// Len returns the number of live entries, for observability.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Normalize converts a raw query into its canonical key: lower-cased,
// whitespace-collapsed, and token-order-insensitive, so that surface variants
// of the same query map to one entry.
func Normalize(raw string) string {
	tokens := strings.Fields(strings.ToLower(raw))
	if len(tokens) == 0 {
		return ""
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
