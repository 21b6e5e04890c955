// Package main is the entry point for the approvals server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
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

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/directory"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/lease"
	"github.com/pitabwire/approvals/internal/notify"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
	"github.com/pitabwire/approvals/internal/postgres"
	"github.com/pitabwire/approvals/internal/resolver"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
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

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvald", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	pool, err := buildPool(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}
	tplStore, instStore := buildStores(pool)

	rdb, err := buildRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	dir, dirHealth, err := buildDirectory(bgCtx, cfg.Directory, metrics, logger)
	if err != nil {
		logger.Error("directory initialization failed", zap.Error(err))
		return 1
	}

	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	templates := template.NewService(tplStore, template.WithLogger(logger), template.WithMetrics(metrics))
	if err := seedTemplates(ctx, templates, cfg.Templates, logger); err != nil {
		logger.Error("template seeding failed", zap.Error(err))
		return 1
	}

	delivery := buildDelivery(cfg.Notifier, rdb, metrics, logger)

	engine := workflow.NewEngine(instStore, templates, resolver.New(dir, dir, metrics), capResolver,
		workflow.WithNotifier(delivery),
		workflow.WithPublisher(delivery),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	if cfg.Sweeper.Enabled {
		var locker lease.Locker = lease.NewLocalLocker()
		if rdb != nil {
			locker = lease.NewRedisLocker(rdb)
		}
		sweeper := workflow.NewSweeper(engine, locker, cfg.Sweeper)
		go func() {
			if err := sweeper.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweeper stopped", zap.Error(err))
			}
		}()
	}

	var guard *idempotency.Guard
	if cfg.Idempotency.Enabled {
		var store idempotency.Store = idempotency.NewMemoryStore()
		if cfg.Idempotency.Driver == "redis" {
			if rdb == nil {
				logger.Error("idempotency driver is redis but no redis address is configured")
				return 1
			}
			store = idempotency.NewRedisStore(rdb)
		}
		guard = idempotency.NewGuard(store, cfg.Idempotency.TTL, metrics, logger)
	}

	oaIndex, err := openapi.Load()
	if err != nil {
		logger.Error("OpenAPI document load failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return templates.Loaded(context.Background()) },
		Directory:       dirHealth,
	}
	if pool != nil {
		readiness.Store = observability.HealthCheckFunc(pool.Ping)
	}
	if rdb != nil {
		readiness.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	keys := transport.NewKeySet(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.NewAuthenticator(cfg.Identity, keys).Middleware,
		CapabilityResolver: capResolver,
		Engine:             engine,
		Templates:          templates,
		Idempotency:        guard,
		OpenAPI:            oaIndex,
		Metrics:            metrics,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("directory", cfg.Directory.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := delivery.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildPool connects to PostgreSQL when the postgres driver is selected.
func buildPool(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return nil, nil
	case "postgres":
		return postgres.Connect(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func buildStores(pool *pgxpool.Pool) (template.Store, workflow.Store) {
	if pool == nil {
		return template.NewMemoryStore(), workflow.NewMemoryStore()
	}
	return template.NewPgStore(pool), workflow.NewPgStore(pool)
}

// buildRedis returns nil when no Redis address is configured.
func buildRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.AddrEnv == "" {
		return nil, nil
	}
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		logger.Info("redis address not set, running without redis", zap.String("env", cfg.AddrEnv))
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", addr), zap.Int("db", cfg.DB))
	return client, nil
}

type directoryService interface {
	model.Directory
	model.RoleService
	observability.HealthChecker
}

func buildDirectory(ctx context.Context, cfg config.DirectoryConfig, metrics *observability.Metrics, logger *zap.Logger) (directoryService, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "static", "":
		dir, err := directory.LoadStatic(cfg.File, logger, metrics)
		if err != nil {
			return nil, nil, err
		}
		if cfg.HotReload {
			go func() {
				if err := dir.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("directory watcher stopped", zap.Error(err))
				}
			}()
		}
		return dir, dir, nil
	case "http":
		dir := directory.NewHTTP(cfg, metrics, logger)
		return dir, dir, nil
	default:
		return nil, nil, fmt.Errorf("unsupported directory driver: %q", cfg.Driver)
	}
}

func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	switch cfg.Evaluator {
	case "static", "":
		evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		return capability.NewResolver(evaluator, cfg.Cache.TTL,
			capability.WithMaxEntries(cfg.Cache.MaxEntries),
			capability.WithMetrics(metrics),
		), nil
	default:
		return nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}
}

func seedTemplates(ctx context.Context, svc *template.Service, cfg config.TemplatesConfig, logger *zap.Logger) error {
	if len(cfg.Directories) == 0 {
		return nil
	}
	tpls, err := template.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return err
	}
	n, err := svc.Seed(ctx, tpls)
	if err != nil {
		return err
	}
	logger.Info("templates seeded", zap.Int("files", len(tpls)), zap.Int("created", n))
	return nil
}

// buildDelivery fans notifications and lifecycle events out to the log, the
// webhook and Redis, behind an async queue.
func buildDelivery(cfg config.NotifierConfig, rdb *redis.Client, metrics *observability.Metrics, logger *zap.Logger) *notify.Async {
	logSink := notify.NewLog(logger)
	notifiers := notify.MultiNotifier{logSink}
	publishers := notify.MultiPublisher{logSink}

	if cfg.WebhookURL != "" {
		hook := notify.NewWebhook(cfg, metrics, logger)
		notifiers = append(notifiers, hook)
		publishers = append(publishers, hook)
	}
	if rdb != nil && cfg.RedisChannel != "" {
		publishers = append(publishers, notify.NewRedisPublisher(rdb, cfg.RedisChannel, metrics))
	}

	return notify.NewAsync(notifiers, publishers, notify.AsyncOptions{Timeout: cfg.Timeout}, logger, metrics)
}
