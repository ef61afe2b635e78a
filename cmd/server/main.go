// Package main is the entrypoint for the Transly API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kiranshivaraju/transly/internal/api"
	"github.com/kiranshivaraju/transly/internal/api/handler"
	mw "github.com/kiranshivaraju/transly/internal/api/middleware"
	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/cache"
	"github.com/kiranshivaraju/transly/internal/config"
	"github.com/kiranshivaraju/transly/internal/credits"
	"github.com/kiranshivaraju/transly/internal/langcode"
	"github.com/kiranshivaraju/transly/internal/pipeline"
	"github.com/kiranshivaraju/transly/internal/queue"
	"github.com/kiranshivaraju/transly/internal/scheduler"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/internal/translate"
	"github.com/kiranshivaraju/transly/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"provider", cfg.Translation.Provider,
		"store", cfg.Store.Driver,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open store (migrations applied)
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	slog.Info("store ready", "driver", cfg.Store.Driver)

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Translation backend
	langs, err := langcode.LoadFile(cfg.Translation.LanguageMapFile)
	if err != nil {
		return fmt.Errorf("load language map: %w", err)
	}
	provider, err := translate.NewProvider(cfg.Translation, langs)
	if err != nil {
		return fmt.Errorf("create translation provider: %w", err)
	}
	retrier := translate.NewRetrier(provider, translate.PolicyFromConfig(cfg.Translation),
		translate.WithAttemptObserver(func(a models.ChunkTranslationAttempt) {
			logger.Debug("translation attempt",
				"chunk", a.ChunkIndex,
				"attempt", a.AttemptNumber,
				"outcome", a.Outcome,
				"latency_ms", a.Latency.Milliseconds(),
				"error", a.Err)
		}))
	slog.Info("translation provider initialized", "provider", provider.Name())

	sched := scheduler.New(scheduler.Options{
		BatchSize:             cfg.Translation.Batch.Size,
		ConcurrentBatches:     cfg.Translation.Batch.Concurrent,
		MaxConcurrentRequests: cfg.Translation.Batch.MaxConcurrentRequests,
		InterBatchDelay:       cfg.Translation.Batch.Delay,
		FailFast:              cfg.Translation.Batch.FailFast,
		Describe:              translate.Reason,
	})

	// 5. Credits, queue and orchestrator
	ledger, err := credits.NewLedger(db, cfg.Credits, logger.With("component", "credits"))
	if err != nil {
		return fmt.Errorf("create credit ledger: %w", err)
	}
	jobs := queue.New(db, redisCache, cfg.Queue.StatusCacheTTL, logger.With("component", "queue"))

	orch := pipeline.New(pipeline.Dependencies{
		Queue:      jobs,
		Ledger:     ledger,
		Translator: retrier,
		Scheduler:  sched,
		Languages:  langs,
		Cache:      redisCache,
		Limits: pipeline.Limits{
			TextChunkSize:         cfg.Translation.TextChunkSize,
			DocumentChunkSize:     cfg.Translation.DocumentChunkSize,
			MaxTextCharacters:     cfg.Translation.MaxTextCharacters,
			MaxDocumentCharacters: cfg.Translation.MaxDocumentCharacters,
			CacheTTL:              cfg.Translation.CacheTTL,
		},
		Logger: logger.With("component", "pipeline"),
	})

	workers := queue.NewPool(jobs, queue.PoolConfig{
		Workers:         cfg.Queue.Workers,
		PollInterval:    cfg.Queue.PollInterval,
		Retention:       cfg.Queue.Retention,
		Lease:           cfg.Queue.Lease,
		Releaser:        ledger,
		JanitorInterval: cfg.Queue.JanitorEvery,
	}, logger.With("component", "workers"))
	// Workers outlive the signal context so Shutdown can drain them.
	if err := workers.Start(context.Background(), orch); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	slog.Info("workers started", "count", cfg.Queue.Workers)

	// 6. Build router with dependencies
	auth := mw.NewAuth(db)

	deps := api.Dependencies{
		Auth:       auth,
		RateLimit:  mw.NewRateLimit(redisCache, cfg.Limits.RequestsPerMinute),
		GuestQuota: mw.NewGuestQuota(redisCache, cfg.Limits.GuestDailyLimit),

		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,

		HealthHandler:       healthHandler(db, redisCache),
		LanguagesHandler:    handler.NewLanguagesHandler(orch),
		EstimateHandler:     handler.NewEstimateHandler(orch),
		SubmitHandler:       handler.NewSubmitTranslationHandler(orch),
		StatusHandler:       handler.NewGetTranslationHandler(orch),
		BalanceHandler:      handler.NewBalanceHandler(ledger),
		QueueStatsHandler:   handler.NewQueueStatsHandler(jobs),
		CreateKeyHandler:    handler.NewCreateKeyHandler(db, 0),
		GrantCreditsHandler: handler.NewGrantCreditsHandler(ledger),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		workers.Shutdown(shutdownTimeout)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// In-flight jobs share the remaining budget.
	remaining := shutdownTimeout
	if dl, ok := shutdownCtx.Deadline(); ok {
		remaining = max(time.Until(dl), time.Second)
	}
	workers.Shutdown(remaining)

	slog.Info("server stopped gracefully")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
