// Package app initializes and holds long-lived application services, acting
// as the composition root. Backends are selected by configuration: in-memory
// implementations for development and tests, Postgres, GCS and Pub/Sub for
// production.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/analysis"
	"github.com/plantedlabs/venuescout/internal/api"
	"github.com/plantedlabs/venuescout/internal/budget"
	"github.com/plantedlabs/venuescout/internal/clock/system"
	"github.com/plantedlabs/venuescout/internal/config"
	"github.com/plantedlabs/venuescout/internal/credentials"
	"github.com/plantedlabs/venuescout/internal/dedup"
	"github.com/plantedlabs/venuescout/internal/discovery"
	"github.com/plantedlabs/venuescout/internal/fetch"
	"github.com/plantedlabs/venuescout/internal/id/uuid"
	"github.com/plantedlabs/venuescout/internal/logging"
	"github.com/plantedlabs/venuescout/internal/orchestrator"
	"github.com/plantedlabs/venuescout/internal/progress"
	"github.com/plantedlabs/venuescout/internal/progress/sinks"
	"github.com/plantedlabs/venuescout/internal/publisher/memory"
	pspub "github.com/plantedlabs/venuescout/internal/publisher/pubsub"
	"github.com/plantedlabs/venuescout/internal/scoring"
	"github.com/plantedlabs/venuescout/internal/search"
	"github.com/plantedlabs/venuescout/internal/session"
	"github.com/plantedlabs/venuescout/internal/storage/gcs"
	"github.com/plantedlabs/venuescout/internal/storage/local"
	memstore "github.com/plantedlabs/venuescout/internal/storage/memory"
	"github.com/plantedlabs/venuescout/internal/storage/postgres"
	"github.com/plantedlabs/venuescout/internal/strategy"
)

// App holds every long-lived service for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	gcsClient    *gstorage.Client
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic

	hub       *progress.Hub
	broadcast *sinks.Broadcast
	sessions  *session.Manager

	credentials  *credentials.Pool
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
}

// New builds the full service graph from configuration. Construction is
// fail-fast: an unreachable backend surfaces here, not on the first run.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clk := system.New()
	idGen := uuid.New()

	runs, candidates, strategies, ledger, err := a.buildStores(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return err
	}
	pub, err := a.buildPublisher(ctx)
	if err != nil {
		return err
	}

	a.broadcast = sinks.NewBroadcast(a.logger)
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("register run metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         a.logger,
	}, sinks.NewLogSink(a.logger), promSink, a.broadcast)

	budgetCtrl := budget.New(budget.Config{
		PaidSearchUSD:   cfg.Budget.PaidSearchUSD,
		AICallUSD:       cfg.Budget.AICallUSD,
		DailyLimitUSD:   cfg.Budget.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD,
		DenyFraction:    cfg.Budget.DenyFraction,
	}, ledger, clk, a.logger)

	slots := make([]discovery.CredentialSlot, 0, len(cfg.Search.Slots))
	for _, s := range cfg.Search.Slots {
		slots = append(slots, discovery.CredentialSlot{
			ID:         s.ID,
			Key:        s.Key,
			DailyQuota: s.DailyQuota,
		})
	}
	a.credentials = credentials.New(slots, cfg.Search.PaidKey, clk, a.logger)

	dedupCache := dedup.New(dedup.Config{
		HitWindow:  time.Duration(cfg.Dedup.HitWindowHours) * time.Hour,
		MissWindow: time.Duration(cfg.Dedup.MissWindowHours) * time.Hour,
	}, clk)

	strategyEngine := strategy.New(strategies, clk, idGen, strategy.Config{
		MinSuccessRate:   cfg.Strategy.MinSuccessRate,
		DeprecationFloor: cfg.Strategy.DeprecationFloor,
		MinSamples:       cfg.Strategy.MinSamples,
		RecencyWeight:    cfg.Strategy.RecencyWeight,
		RecencyHalfLife:  time.Duration(cfg.Strategy.RecencyHalfLifeH) * time.Hour,
		EvolveMinRate:    cfg.Strategy.EvolveMinRate,
		EvolveMinUses:    cfg.Strategy.EvolveMinUses,
	}, a.logger)

	scorer := scoring.New(weightsOrNil(cfg.Scoring.VenueWeights), weightsOrNil(cfg.Scoring.DishWeights))

	searchClient := search.New(search.Config{
		BaseURL:  cfg.Search.BaseURL,
		EngineID: cfg.Search.EngineID,
		Timeout:  time.Duration(cfg.Search.TimeoutSeconds) * time.Second,
	}, a.logger)

	analyzer, err := analysis.New(analysis.Config{
		BaseURL:        cfg.Analysis.BaseURL,
		Provider:       cfg.Analysis.Provider,
		Model:          cfg.Analysis.Model,
		PromptTemplate: cfg.Analysis.PromptTemplate,
		Timeout:        time.Duration(cfg.Analysis.TimeoutSeconds) * time.Second,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("build analysis client: %w", err)
	}

	a.sessions, err = session.NewManager(session.Config{
		PoolSize:          cfg.Session.PoolSize,
		UserAgent:         cfg.Session.UserAgent,
		NavigationTimeout: time.Duration(cfg.Session.NavTimeoutSec) * time.Second,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	})

	a.orchestrator = orchestrator.New(orchestrator.Config{
		Brand:              cfg.Runs.Brand,
		KnownPlatforms:     cfg.Runs.Platforms,
		PlatformWorkers:    cfg.Runs.PlatformWorkers,
		QueryRPS:           cfg.Runs.QueryRPS,
		QueryBurst:         cfg.Runs.QueryBurst,
		ItemTimeout:        cfg.Runs.ItemTimeout(),
		HeartbeatInterval:  cfg.Runs.Heartbeat(),
		LogRingSize:        cfg.Runs.LogRingSize,
		RetryAttempts:      cfg.Runs.RetryAttempts,
		RetryBaseDelay:     cfg.Runs.RetryBaseDelay(),
		MinConfidence:      cfg.Runs.MinConfidence,
		MaxResultsPerQuery: cfg.Runs.MaxResultsPerQuery,
		DegradedThreshold:  cfg.Runs.DegradedThreshold,
		VenueTopic:         cfg.PubSub.VenueTopic,
		DishTopic:          cfg.PubSub.DishTopic,
		SnapshotPrefix:     cfg.Storage.SnapshotPrefix,
	}, orchestrator.Deps{
		Runs:        runs,
		Candidates:  candidates,
		Strategies:  strategyEngine,
		Budget:      budgetCtrl,
		Credentials: a.credentials,
		Dedup:       dedupCache,
		Scorer:      scorer,
		Search:      searchClient,
		Analyzer:    analyzer,
		Sessions:    a.sessions,
		Pages:       fetcher,
		Blobs:       blobs,
		Publisher:   pub,
		Emitter:     a.hub,
		Clock:       clk,
		IDGen:       idGen,
		Logger:      a.logger,
	})

	a.server = api.NewServer(a.orchestrator, candidates, strategyEngine, budgetCtrl,
		a.credentials, a.broadcast, cfg, a.logger)
	return nil
}

func (a *App) buildStores(ctx context.Context) (
	discovery.RunStore, discovery.CandidateStore, discovery.StrategyStore, discovery.LedgerStore, error,
) {
	switch a.cfg.Storage.Backend {
	case "", "memory":
		return memstore.NewRunStore(), memstore.NewCandidateStore(),
			memstore.NewStrategyStore(), memstore.NewLedgerStore(), nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             a.cfg.Storage.DSN,
			MaxConns:        int32(a.cfg.Storage.MaxConns),
			MinConns:        int32(a.cfg.Storage.MinConns),
			MaxConnLifetime: time.Duration(a.cfg.Storage.ConnLifetime) * time.Minute,
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		return postgres.NewRunStore(pool), postgres.NewCandidateStore(pool),
			postgres.NewStrategyStore(pool), postgres.NewLedgerStore(pool), nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) buildBlobStore(ctx context.Context) (discovery.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case "", "memory":
		return memstore.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", a.cfg.Storage.BlobBackend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (discovery.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return memory.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	a.pubsubClient = client
	a.pubsubTopic = client.Topic(a.cfg.PubSub.TopicName)
	return pspub.New(a.pubsubTopic), nil
}

func weightsOrNil(m map[string]float64) scoring.Weights {
	if len(m) == 0 {
		return nil
	}
	return scoring.Weights(m)
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Server returns the HTTP surface.
func (a *App) Server() *api.Server {
	return a.server
}

// Orchestrator returns the run engine.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Credentials returns the search credential pool; main resets it daily.
func (a *App) Credentials() *credentials.Pool {
	return a.credentials
}

// Close tears the service graph down in dependency order: the orchestrator
// drains first so late events still reach the hub, then the hub flushes its
// sinks, then external clients disconnect.
func (a *App) Close(ctx context.Context) {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}
