// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Runs     RunsConfig     `mapstructure:"runs"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Search   SearchConfig   `mapstructure:"search"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Session  SessionConfig  `mapstructure:"session"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RunsConfig governs run planning and execution.
type RunsConfig struct {
	Brand string `mapstructure:"brand"`
	// Platforms maps platform names to their host suffix, e.g.
	// wolt -> wolt.com.
	Platforms           map[string]string `mapstructure:"platforms"`
	PlatformWorkers     int               `mapstructure:"platform_workers"`
	QueryRPS            float64           `mapstructure:"query_rps"`
	QueryBurst          int               `mapstructure:"query_burst"`
	ItemTimeoutSeconds  int               `mapstructure:"item_timeout_seconds"`
	HeartbeatSeconds    int               `mapstructure:"heartbeat_seconds"`
	LogRingSize         int               `mapstructure:"log_ring_size"`
	RetryAttempts       int               `mapstructure:"retry_attempts"`
	RetryBaseDelayMs    int               `mapstructure:"retry_base_delay_ms"`
	MinConfidence       float64           `mapstructure:"min_confidence"`
	MaxResultsPerQuery  int               `mapstructure:"max_results_per_query"`
	DegradedThreshold   int               `mapstructure:"degraded_threshold"`
	DefaultBatchSize    int               `mapstructure:"default_batch_size"`
	DefaultMaxUnits     int               `mapstructure:"default_max_units"`
	CredentialResetHour int               `mapstructure:"credential_reset_hour"`
}

// BudgetConfig prices work units and sets the spend ceilings.
type BudgetConfig struct {
	PaidSearchUSD   float64 `mapstructure:"paid_search_usd"`
	AICallUSD       float64 `mapstructure:"ai_call_usd"`
	DailyLimitUSD   float64 `mapstructure:"daily_limit_usd"`
	MonthlyLimitUSD float64 `mapstructure:"monthly_limit_usd"`
	DenyFraction    float64 `mapstructure:"deny_fraction"`
}

// CredentialSlotConfig is one free-tier search credential.
type CredentialSlotConfig struct {
	ID         string `mapstructure:"id"`
	Key        string `mapstructure:"key"`
	DailyQuota int    `mapstructure:"daily_quota"`
}

// SearchConfig configures the external search-engine client and its
// credential rotation.
type SearchConfig struct {
	BaseURL        string                 `mapstructure:"base_url"`
	EngineID       string                 `mapstructure:"engine_id"`
	TimeoutSeconds int                    `mapstructure:"timeout_seconds"`
	Slots          []CredentialSlotConfig `mapstructure:"slots"`
	PaidKey        string                 `mapstructure:"paid_key"`
}

// AnalysisConfig configures the content-analysis service.
type AnalysisConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	PromptTemplate string `mapstructure:"prompt_template"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionConfig sizes the isolated browser session pool.
type SessionConfig struct {
	PoolSize      int    `mapstructure:"pool_size"`
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// FetchConfig controls the plain-HTTP first-pass fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DedupConfig sets the query validity windows.
type DedupConfig struct {
	HitWindowHours  int `mapstructure:"hit_window_hours"`
	MissWindowHours int `mapstructure:"miss_window_hours"`
}

// StrategyConfig governs strategy selection and evolution.
type StrategyConfig struct {
	MinSuccessRate   float64 `mapstructure:"min_success_rate"`
	DeprecationFloor float64 `mapstructure:"deprecation_floor"`
	MinSamples       int     `mapstructure:"min_samples"`
	RecencyWeight    float64 `mapstructure:"recency_weight"`
	RecencyHalfLifeH int     `mapstructure:"recency_half_life_hours"`
	EvolveMinRate    float64 `mapstructure:"evolve_min_rate"`
	EvolveMinUses    int     `mapstructure:"evolve_min_uses"`
}

// ScoringConfig overrides the default factor weights. Empty maps keep the
// built-in defaults.
type ScoringConfig struct {
	VenueWeights map[string]float64 `mapstructure:"venue_weights"`
	DishWeights  map[string]float64 `mapstructure:"dish_weights"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// Backend is memory or postgres.
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	MaxConns     int    `mapstructure:"max_conns"`
	MinConns     int    `mapstructure:"min_conns"`
	ConnLifetime int    `mapstructure:"conn_lifetime_minutes"`
	// BlobBackend is memory, local or gcs.
	BlobBackend    string `mapstructure:"blob_backend"`
	LocalDir       string `mapstructure:"local_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
}

// PubSubConfig holds metadata for candidate notifications.
type PubSubConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ProjectID  string `mapstructure:"project_id"`
	TopicName  string `mapstructure:"topic_name"`
	VenueTopic string `mapstructure:"venue_topic"`
	DishTopic  string `mapstructure:"dish_topic"`
}

// ProgressConfig sizes the event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VENUESCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("runs.brand", "planted")
	v.SetDefault("runs.platforms", map[string]string{
		"wolt":       "wolt.com",
		"lieferando": "lieferando.de",
		"ubereats":   "ubereats.com",
	})
	v.SetDefault("runs.platform_workers", 2)
	v.SetDefault("runs.query_rps", 0.5)
	v.SetDefault("runs.query_burst", 1)
	v.SetDefault("runs.item_timeout_seconds", 60)
	v.SetDefault("runs.heartbeat_seconds", 10)
	v.SetDefault("runs.log_ring_size", 200)
	v.SetDefault("runs.retry_attempts", 3)
	v.SetDefault("runs.retry_base_delay_ms", 500)
	v.SetDefault("runs.min_confidence", 40)
	v.SetDefault("runs.max_results_per_query", 5)
	v.SetDefault("runs.degraded_threshold", 3)
	v.SetDefault("runs.default_batch_size", 3)
	v.SetDefault("runs.default_max_units", 200)
	v.SetDefault("runs.credential_reset_hour", 0)
	v.SetDefault("budget.paid_search_usd", 0.005)
	v.SetDefault("budget.ai_call_usd", 0.01)
	v.SetDefault("budget.daily_limit_usd", 50)
	v.SetDefault("budget.monthly_limit_usd", 1000)
	v.SetDefault("budget.deny_fraction", 0.8)
	v.SetDefault("search.timeout_seconds", 15)
	v.SetDefault("analysis.provider", "gemini")
	v.SetDefault("analysis.timeout_seconds", 45)
	v.SetDefault("session.pool_size", 2)
	v.SetDefault("session.nav_timeout_seconds", 25)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("dedup.hit_window_hours", 24)
	v.SetDefault("dedup.miss_window_hours", 168)
	v.SetDefault("strategy.min_success_rate", 20)
	v.SetDefault("strategy.deprecation_floor", 10)
	v.SetDefault("strategy.min_samples", 10)
	v.SetDefault("strategy.recency_weight", 0.2)
	v.SetDefault("strategy.recency_half_life_hours", 168)
	v.SetDefault("strategy.evolve_min_rate", 60)
	v.SetDefault("strategy.evolve_min_uses", 5)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.min_conns", 1)
	v.SetDefault("storage.conn_lifetime_minutes", 30)
	v.SetDefault("storage.blob_backend", "memory")
	v.SetDefault("storage.snapshot_prefix", "snapshots")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic_name", "venuescout-candidates")
	v.SetDefault("pubsub.venue_topic", "candidates.venue")
	v.SetDefault("pubsub.dish_topic", "candidates.dish")
	v.SetDefault("progress.buffer_size", 2048)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Runs.Brand == "" {
		return fmt.Errorf("runs.brand must be set")
	}
	if len(c.Runs.Platforms) == 0 {
		return fmt.Errorf("runs.platforms must name at least one platform")
	}
	if c.Runs.PlatformWorkers <= 0 {
		return fmt.Errorf("runs.platform_workers must be > 0")
	}
	if c.Budget.DailyLimitUSD <= 0 || c.Budget.MonthlyLimitUSD <= 0 {
		return fmt.Errorf("budget limits must be > 0")
	}
	if c.Budget.DenyFraction <= 0 || c.Budget.DenyFraction > 1 {
		return fmt.Errorf("budget.deny_fraction must be in (0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn must be set for the postgres backend")
	}
	if c.Storage.BlobBackend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs blob backend")
	}
	if c.Storage.BlobBackend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set for the local blob backend")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return nil
}

// ItemTimeout converts the run item timeout to a duration.
func (c RunsConfig) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutSeconds) * time.Second
}

// Heartbeat converts the heartbeat interval to a duration.
func (c RunsConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// RetryBaseDelay converts the retry base delay to a duration.
func (c RunsConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}
