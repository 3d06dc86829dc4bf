package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/events"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/limiter"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/sweeper"
	"github.com/rendis/conductor/internal/systask"
	"github.com/rendis/conductor/internal/validation"
)

// app is the process construction graph. Components are built in dependency
// order and closed in reverse by close.
type app struct {
	cfg    Config
	logger *slog.Logger

	store       *store.LibSQLStore
	metadata    *store.CachedMetadataStore
	redis       redis.UniversalClient
	queue       queue.Queue
	bus         *events.Bus
	recorder    *events.Recorder
	systemTasks *systask.Registry
	executor    engine.Executor
	pool        *engine.WorkerPool
	breakers    *engine.CircuitBreakerRegistry
	coordinator *engine.Coordinator
	sweeper     *sweeper.Sweeper
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := ensureDBDir(cfg.DBPath); err != nil {
		return nil, err
	}
	a.store, err = store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.metadata = store.NewCachedMetadataStore(a.store, store.CacheConfig{
		Size: cfg.MetadataCacheSize,
		TTL:  cfg.MetadataCacheTTL,
	})

	if cfg.QueueBackend == backendRedis || cfg.LimiterBackend == backendRedis {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	queueOpts := queue.Options{UnackTimeout: cfg.UnackTimeout}
	switch cfg.QueueBackend {
	case backendRedis:
		a.queue = queue.NewRedisQueue(a.redis, cfg.RedisPrefix, queueOpts)
	default:
		a.queue = queue.NewMemoryQueue(queueOpts)
	}

	var limits limiter.Backend = a.store
	if cfg.LimiterBackend == backendRedis {
		limits = limiter.NewRedisBackend(a.redis, cfg.RedisPrefix)
	}
	lim := limiter.New(limits, a.metadata, a.store, logger)

	evaluators, err := expressions.NewDefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("build evaluators: %w", err)
	}
	a.systemTasks = systask.NewDefaultRegistry(evaluators, cfg.SubWorkflowRetrySecs, nil)
	validator, err := validation.NewWorkflowValidator(evaluators)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	a.bus = events.NewBus(logger)
	a.recorder = events.NewRecorder(a.store, a.bus, logger)

	a.executor = engine.NewExecutor(engine.ExecutorDeps{
		Store:       a.store,
		Metadata:    a.metadata,
		Events:      a.recorder,
		Queue:       a.queue,
		Limiter:     lim,
		SystemTasks: a.systemTasks,
		Validator:   validator,
		Logger:      logger,
	}, engine.ExecutorConfig{AdmissionBackoff: cfg.AdmissionBackoff})

	a.pool = engine.NewWorkerPool(cfg.WorkerPoolSize)
	breakerCfg := engine.DefaultCircuitBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.Cooldown = cfg.BreakerCooldown
	a.breakers = engine.NewCircuitBreakerRegistry(breakerCfg)
	a.coordinator = engine.NewCoordinator(a.executor, a.queue, a.systemTasks, a.pool, a.breakers, a.bus,
		engine.CoordinatorConfig{
			PollInterval:      cfg.SystemTaskPollInterval,
			BatchSize:         cfg.SystemTaskBatchSize,
			UnackTimeout:      cfg.UnackTimeout,
			LeaseInitialDelay: cfg.LeaseInitialDelay,
			LeaseUpdateDelay:  cfg.LeaseUpdateDelay,
		}, logger)

	a.sweeper = sweeper.New(a.executor, a.store, a.queue, sweeper.Config{
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
	}, logger)

	return a, nil
}

// serve runs the coordinator and the sweeper until ctx is done.
func (a *app) serve(ctx context.Context) error {
	if err := a.sweeper.Start(ctx, a.bus); err != nil {
		return err
	}
	runErr := a.coordinator.Run(ctx)
	stopErr := a.sweeper.Stop()
	return errors.Join(runErr, stopErr)
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("close event bus", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis client", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

func ensureDBDir(dbPath string) error {
	path := strings.TrimPrefix(dbPath, "file:")
	if strings.Contains(path, "://") || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
