// Package main is the entry point for the orchestra server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/orchestra/internal/catalog"
	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/internal/idempotency"
	"github.com/pitabwire/orchestra/internal/objectstore"
	"github.com/pitabwire/orchestra/internal/observability"
	"github.com/pitabwire/orchestra/internal/progress"
	"github.com/pitabwire/orchestra/internal/transport"
	"github.com/pitabwire/orchestra/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c *closers) run() {
	for i := len(*c) - 1; i >= 0; i-- {
		(*c)[i]()
	}
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "orchestra", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var cleanup closers
	defer cleanup.run()

	// Step 4: Connect shared backends.
	var pool *pgxpool.Pool
	if needsPostgres(cfg) {
		pool, err = openPool(ctx, cfg.Store)
		if err != nil {
			logger.Error("postgres connection failed", zap.Error(err))
			return 1
		}
		cleanup.add(pool.Close)
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.ResolveAddr(), DB: cfg.Redis.DB})
		cleanup.add(func() { _ = rdb.Close() })
	}

	readiness := observability.ReadinessChecks{}

	// Step 5: Execution store.
	store, err := buildExecutionStore(ctx, cfg.Store, pool, &cleanup, logger)
	if err != nil {
		logger.Error("execution store initialization failed", zap.Error(err))
		return 1
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.ExecutionStore = hc
	}

	// Step 6: Idempotency claim store.
	claims, err := buildClaimStore(ctx, cfg, pool, rdb, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if hc, ok := claims.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	// Step 7: Progress publishers.
	publisher, err := buildPublisher(cfg.Progress, rdb, metrics, logger)
	if err != nil {
		logger.Error("progress publisher initialization failed", zap.Error(err))
		return 1
	}
	if rdb != nil && hasPublisher(cfg.Progress, "redis") {
		readiness.ProgressBroker = observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// Step 8: Object store and image uploader.
	bucket, err := objectstore.OpenBucket(ctx, cfg.ObjectStore.BucketURL, cfg.ObjectStore.KeyPrefix, cfg.ObjectStore.MaxObjectBytes)
	if err != nil {
		logger.Error("object store initialization failed", zap.Error(err))
		return 1
	}
	cleanup.add(func() { _ = bucket.Close() })
	readiness.ObjectStore = bucket

	uploader := objectstore.NewUploader(objectstore.NewFetcher(cfg.ObjectStore, metrics), bucket)

	// Step 9: Catalog service and workflow registry.
	products, err := buildProductRepository(ctx, cfg.Catalog, cfg.Store, pool)
	if err != nil {
		logger.Error("catalog repository initialization failed", zap.Error(err))
		return 1
	}
	policy, err := catalog.ParsePolicy(cfg.Catalog.PartialFailurePolicy)
	if err != nil {
		logger.Error("invalid catalog policy", zap.Error(err))
		return 1
	}
	catalogSvc := catalog.NewService(products, uploader,
		catalog.WithPolicy(policy),
		catalog.WithUploadRetry(workflow.RetryPolicyFromConfig(cfg.ObjectStore.Retry)),
	)

	registry := workflow.NewRegistry(catalogSvc.Workflow())

	// Step 10: Workflow engine.
	engine := workflow.NewEngine(registry, store, claims,
		workflow.WithLogger(logger),
		workflow.WithEngineObserver(metrics),
		workflow.WithPublisher(publisher),
		workflow.WithDefaultMaxRetries(cfg.Engine.DefaultMaxRetries),
		workflow.WithExecutionTimeout(cfg.Engine.ExecutionTimeout),
		workflow.WithClaimTTL(cfg.Idempotency.ClaimTTL, cfg.Idempotency.ResultTTL),
	)

	// Step 11: Build HTTP router.
	router := transport.NewRouter(transport.Dependencies{
		Engine:         engine,
		Products:       catalogSvc,
		Logger:         logger,
		Metrics:        metricsIfEnabled(cfg.Observability.Metrics, metrics),
		Gatherer:       prometheus.DefaultGatherer,
		Readiness:      readiness,
		HandlerTimeout: cfg.Server.HandlerTimeout,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 12: Start the server and the timeout sweeper.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", engine.WorkflowCount()),
		zap.String("catalog_policy", string(policy)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		interval := cfg.Engine.TimeoutCheckInterval
		if interval == 0 {
			interval = 30 * time.Second
		}
		return engine.WatchTimeouts(gctx, interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.Store.Driver == "postgres" ||
		cfg.Idempotency.Driver == "postgres" ||
		cfg.Catalog.Repository == "postgres"
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Idempotency.Driver == "redis" || hasPublisher(cfg.Progress, "redis")
}

func hasPublisher(cfg config.ProgressConfig, name string) bool {
	for _, p := range cfg.Publishers {
		if p == name {
			return true
		}
	}
	return false
}

func metricsIfEnabled(cfg config.MetricsConfig, m *observability.Metrics) *observability.Metrics {
	if !cfg.Enabled {
		return nil
	}
	return m
}

// openPool connects to the database named by the DSN environment variable.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildExecutionStore creates the execution store based on config.
func buildExecutionStore(ctx context.Context, cfg config.StoreConfig, pool *pgxpool.Pool, cleanup *closers, logger *zap.Logger) (workflow.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory execution store")
		return workflow.NewMemoryStore(), nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		cleanup.add(func() { _ = db.Close() })
		logger.Info("using sqlite execution store", zap.String("path", cfg.SQLitePath))
		return workflow.NewSQLiteStore(ctx, db)
	case "postgres":
		store := workflow.NewPgStore(pool)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		logger.Info("using postgres execution store")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildClaimStore creates the idempotency claim store based on config.
func buildClaimStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) (idempotency.Store, error) {
	switch cfg.Idempotency.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	case "redis":
		logger.Info("using redis idempotency store", zap.String("addr", cfg.Redis.ResolveAddr()))
		return idempotency.NewRedisStore(rdb), nil
	case "postgres":
		store := idempotency.NewPgStore(pool)
		if cfg.Store.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		logger.Info("using postgres idempotency store")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Idempotency.Driver)
	}
}

// buildPublisher fans progress events out to every configured sink.
func buildPublisher(cfg config.ProgressConfig, rdb *redis.Client, rec progress.Recorder, logger *zap.Logger) (progress.Publisher, error) {
	var fanout progress.Fanout
	for _, name := range cfg.Publishers {
		switch name {
		case "log":
			fanout = append(fanout, progress.Instrument(name, progress.NewLogPublisher(logger), rec))
		case "redis":
			fanout = append(fanout, progress.Instrument(name, progress.NewRedisPublisher(rdb, cfg.ChannelPrefix), rec))
		default:
			return nil, fmt.Errorf("unsupported progress publisher: %q", name)
		}
	}
	return fanout, nil
}

// buildProductRepository creates the catalog repository based on config.
func buildProductRepository(ctx context.Context, cfg config.CatalogConfig, store config.StoreConfig, pool *pgxpool.Pool) (catalog.Repository, error) {
	switch cfg.Repository {
	case "memory", "":
		return catalog.NewMemoryRepository(), nil
	case "postgres":
		repo := catalog.NewPgRepository(pool)
		if store.AutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported catalog repository: %q", cfg.Repository)
	}
}
