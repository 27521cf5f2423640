package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/importer/internal/core/batch"
	"github.com/vietddude/importer/internal/core/config"
	"github.com/vietddude/importer/internal/importing/cleanup"
	"github.com/vietddude/importer/internal/importing/handlers"
	"github.com/vietddude/importer/internal/importing/health"
	"github.com/vietddude/importer/internal/importing/recovery"
	"github.com/vietddude/importer/internal/importing/retry"
	"github.com/vietddude/importer/internal/importing/tasks"
	redisclient "github.com/vietddude/importer/internal/infra/redis"
	"github.com/vietddude/importer/internal/infra/storage"
	"github.com/vietddude/importer/internal/infra/storage/memory"
	"github.com/vietddude/importer/internal/infra/storage/postgres"
	"github.com/vietddude/importer/internal/infra/storage/sqlite"
)

// ErrQueueDisabled is returned by Enqueue when no Redis is configured.
var ErrQueueDisabled = errors.New("task queue disabled: redis.url is not configured")

// App wires the batch store, orchestrator, task queue and HTTP server from config.
type App struct {
	cfg          *config.AppConfig
	store        *batch.Store
	orchestrator *recovery.Orchestrator
	registry     *handlers.Registry
	hub          *recovery.Hub
	db           *postgres.DB
	sqliteStore  *sqlite.Store
	redisClient  *redisclient.Client
	taskClient   *tasks.Client
	taskServer   *tasks.Server
	cleaner      *cleanup.Worker
	healthServer *health.Server
	log          *slog.Logger
}

// New creates an App with all dependencies initialized.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg: cfg,
		hub: recovery.NewHub(),
		log: slog.Default(),
	}

	// 1. Storage
	repo, err := a.openRepository(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = batch.NewStore(repo)

	// 2. Redis: run lock and task queue
	var locker recovery.Locker
	if cfg.Redis.Enabled() {
		a.redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		locker = redisclient.NewLocker(a.redisClient)
		a.log.Info("Using Redis run lock")
	} else {
		locker = memory.NewLocker()
		a.log.Info("Using in-process run lock")
	}

	// 3. Orchestrator
	a.orchestrator = recovery.NewOrchestrator(a.store, recovery.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delays:      cfg.Retry.Delays,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		LockTTL:         cfg.Recovery.LockTTL,
		StrictStatus:    cfg.Recovery.StrictStatus,
		OnMissingCursor: recovery.MissingCursorPolicy(cfg.Recovery.OnMissingCursor),
	},
		recovery.WithLocker(locker),
		recovery.WithSink(recovery.Sinks{
			recovery.LogSink{Logger: slog.Default().With("component", "batch")},
			a.hub,
		}),
	)

	// 4. Item handlers
	a.registry = handlers.NewRegistry()
	if err := a.registry.Register("log", handlers.Log(nil)); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Handlers.Webhook.URL != "" {
		webhook, err := handlers.Webhook(handlers.WebhookConfig{
			URL:     cfg.Handlers.Webhook.URL,
			Timeout: cfg.Handlers.Webhook.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.registry.Register("webhook", webhook); err != nil {
			a.Close()
			return nil, err
		}
	}

	// 5. Task queue
	if cfg.Redis.Enabled() {
		redisOpt, err := tasks.RedisConnOpt(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.taskClient = tasks.NewClient(redisOpt, cfg.Queue.Name)
		a.taskServer = tasks.NewServer(redisOpt, tasks.ServerConfig{
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Concurrency,
		}, tasks.NewProcessor(a.orchestrator, a.registry))
	}

	// 6. Cleanup
	if cfg.Cleanup.Schedule != "" {
		a.cleaner, err = cleanup.NewWorker(a.store, cfg.Cleanup.Schedule, cfg.Cleanup.MaxAgeDays)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	// 7. HTTP
	checks := map[string]health.Pinger{"store": a.store}
	if a.redisClient != nil {
		checks["redis"] = a.redisClient
	}
	a.healthServer = health.NewServer(cfg.Server.Port, checks, a.store, a.hub)

	return a, nil
}

func (a *App) openRepository(ctx context.Context) (storage.BatchStateRepository, error) {
	dbCfg := a.cfg.Database

	switch {
	case dbCfg.Driver == "sqlite":
		s, err := sqlite.Open(ctx, dbCfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to init sqlite: %w", err)
		}
		a.sqliteStore = s
		a.log.Info("Using SQLite storage", "path", dbCfg.URL)
		return s, nil

	case dbCfg.URL != "":
		db, err := postgres.NewDB(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := postgres.Migrate(ctx, db.DB.DB); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.log.Info("Using PostgreSQL storage", "driver", dbCfg.DriverName())
		return postgres.NewBatchStateRepo(db), nil

	default:
		a.log.Info("Using Memory storage")
		return memory.NewBatchStateRepo(memory.NewMemoryStorage()), nil
	}
}

// Config returns the loaded configuration.
func (a *App) Config() *config.AppConfig { return a.cfg }

// Store returns the batch state store.
func (a *App) Store() *batch.Store { return a.store }

// Orchestrator returns the batch orchestrator.
func (a *App) Orchestrator() *recovery.Orchestrator { return a.orchestrator }

// Registry returns the item handler registry.
func (a *App) Registry() *handlers.Registry { return a.registry }

// Enqueue schedules a batch on the task queue.
func (a *App) Enqueue(ctx context.Context, p tasks.BatchImportPayload) (string, error) {
	if a.taskClient == nil {
		return "", ErrQueueDisabled
	}
	if _, ok := a.registry.Get(p.Handler); !ok {
		return "", fmt.Errorf("unknown handler %q", p.Handler)
	}
	info, err := a.taskClient.Enqueue(ctx, p)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Run starts the HTTP server, task worker and cleanup, and blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("Starting HTTP server", "port", a.cfg.Server.Port)
		return a.healthServer.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return a.healthServer.Stop(stopCtx)
	})

	if a.taskServer != nil {
		g.Go(func() error {
			a.log.Info("Starting task worker", "queue", a.cfg.Queue.Name, "concurrency", a.cfg.Queue.Concurrency)
			return a.taskServer.Run(ctx)
		})
	} else {
		a.log.Warn("Task worker disabled, redis.url is not configured")
	}

	if a.cleaner != nil {
		g.Go(func() error {
			return a.cleaner.Start(ctx)
		})
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	return g.Wait()
}

// Close releases connections.
func (a *App) Close() {
	if a.taskClient != nil {
		if err := a.taskClient.Close(); err != nil {
			a.log.Warn("Failed to close task client", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.log.Warn("Failed to close SQLite", "error", err)
		}
	}
}
