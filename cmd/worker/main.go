// Command worker runs the analysis scheduler: it reserves queued tasks,
// executes them with heartbeat-renewed leases and reclaims expired leases
// left behind by crashed peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/basics"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/executor/stub"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/progress"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/registry"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/settings"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/app"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema apply failed", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	models, err := registry.Load()
	if err != nil {
		slog.Error("model registry load failed", slog.Any("error", err))
		os.Exit(1)
	}

	taskRepo := postgres.NewTaskRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)
	basicsRepo := postgres.NewBasicsRepo(pool)
	settingsProvider := settings.NewProvider(settingsRepo, models, cfg, logger)

	eff, err := settingsProvider.Effective(ctx)
	if err != nil {
		slog.Error("settings load failed", slog.Any("error", err))
		os.Exit(1)
	}
	queue := redisq.New(rdb, eff.MaxConcurrentGlobal, eff.MaxConcurrentPerUser, redisq.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxRetries:        cfg.MaxRetries,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
	})
	progressStore := progress.NewStore(rdb, cfg.ProgressTTL, cfg.CancelFlagTTL)

	nodeID := "worker-" + uuid.NewString()
	w := worker.New(nodeID, taskRepo, queue, progressStore, stub.New(), cfg, logger)
	sched := worker.NewScheduler(queue, taskRepo, w, cfg, logger)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           metricsHandler(pool, rdb),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		slog.Info("worker metrics listening", slog.Int("port", cfg.WorkerMetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	if cfg.BasicsSyncEnabled && cfg.BasicsSourceURL != "" {
		sync := app.BasicsSync{
			Provider: basics.NewHTTPProvider(cfg.BasicsSourceURL),
			Repo:     basicsRepo,
			Interval: cfg.BasicsSyncInterval,
			Log:      logger,
		}
		g.Go(func() error { sync.Run(gctx); return nil })
	}

	slog.Info("worker starting", slog.String("node_id", nodeID),
		slog.Int("pool_size", cfg.WorkerPoolSize),
		slog.Duration("visibility_timeout", cfg.VisibilityTimeout))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func metricsHandler(pool app.Pinger, rdb *redis.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "db: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
