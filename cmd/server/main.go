// Command server starts the stock analysis orchestrator HTTP API.
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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/progress"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/registry"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/settings"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/app"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness check interface.
type redisPinger struct{ *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

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
	batchRepo := postgres.NewBatchRepo(pool)
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

	submitSvc := usecase.NewSubmitService(taskRepo, batchRepo, queue, basicsRepo,
		settingsProvider, models, cfg.DefaultMarketType)
	statusSvc := usecase.NewStatusService(taskRepo, batchRepo, queue)
	cancelSvc := usecase.NewCancelService(taskRepo, queue, progressStore)
	streamSvc := usecase.NewStreamService(taskRepo, progressStore, cfg.StreamPollInterval, cfg.StreamHeartbeat)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisPinger{rdb})
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, cancelSvc, streamSvc, models, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// No write deadline: progress streams stay open for the lifetime of a
		// running analysis.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		return srvHTTP.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}
