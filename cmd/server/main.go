package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TwistedAndy/actionqueue/config"
	"github.com/TwistedAndy/actionqueue/internal/cache"
	"github.com/TwistedAndy/actionqueue/internal/dispatch"
	"github.com/TwistedAndy/actionqueue/internal/health"
	"github.com/TwistedAndy/actionqueue/internal/infrastructure/postgres"
	ctxlog "github.com/TwistedAndy/actionqueue/internal/log"
	"github.com/TwistedAndy/actionqueue/internal/metrics"
	"github.com/TwistedAndy/actionqueue/internal/registry"
	httptransport "github.com/TwistedAndy/actionqueue/internal/transport/http"
	"github.com/TwistedAndy/actionqueue/internal/transport/http/handler"
	"github.com/TwistedAndy/actionqueue/internal/worker"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

// logRetention bounds the action_logs table via the built-in
// recurring logs.prune action.
const logRetention = 30 * 24 * time.Hour

// maintenance carries the queue's own housekeeping handlers; method
// values give them stable callback keys.
type maintenance struct {
	store  *postgres.ActionRepository
	logger *slog.Logger
}

func (m *maintenance) PruneLogs(ctx context.Context, args ...any) error {
	n, err := m.store.PruneLogs(ctx, logRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("pruned action logs", "count", n)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer func() { _ = redisCache.Close() }()

	logger.Info("db and cache connected")

	store, err := postgres.NewActionRepository(ctx, pool)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	metrics.Register()
	checker := health.NewChecker(map[string]health.Pinger{
		"postgres": pool,
		"redis":    redisCache,
	}, logger, prometheus.DefaultRegisterer)

	reg := registry.New()

	w := worker.New(store, reg, redisCache, logger, worker.Config{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout(),
		SoftDeadline: cfg.SoftDeadline(),
	})

	var spawner dispatch.Spawner
	if cfg.SpawnMode == "inline" {
		spawner = dispatch.NewInlineSpawner(w, redisCache, cfg.BatchInterval(), logger)
	} else {
		spawner = dispatch.NewHTTPSpawner(redisCache, cfg.WorkerURL, cfg.ActionKey, cfg.BatchInterval(), logger)
	}

	dispatcher := dispatch.New(reg, store, spawner, logger)

	m := &maintenance{store: store, logger: logger}
	if err := dispatcher.Register("logs.prune", m.PruneLogs, 1, false); err != nil {
		log.Fatalf("register logs.prune: %v", err)
	}
	err = dispatcher.ScheduleOnce(ctx, "logs.prune", m.PruneLogs, nil, dispatch.ScheduleOptions{
		Priority:  1,
		Recurring: "86400",
	})
	if err != nil {
		log.Fatalf("schedule logs.prune: %v", err)
	}
	if err := dispatcher.Flush(ctx); err != nil {
		logger.Warn("flush builtins", "error", err)
	}

	workerHandler := handler.NewWorkerHandler(w, cfg.ActionKey, logger)
	router := httptransport.NewRouter(logger, workerHandler, dispatcher, cfg.ActionSecret)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
		}
	}()

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	// Buffered jobs must not die with the process.
	if err := dispatcher.Flush(shutdownCtx); err != nil {
		logger.Error("final flush", "error", err)
	}

	logger.Info("shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
