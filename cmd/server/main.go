// Package main is the entrypoint for the descgen API server.
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

	"github.com/joho/godotenv"
	"github.com/mkravets/descgen/internal/api"
	"github.com/mkravets/descgen/internal/api/handler"
	mw "github.com/mkravets/descgen/internal/api/middleware"
	"github.com/mkravets/descgen/internal/batch"
	"github.com/mkravets/descgen/internal/cache"
	"github.com/mkravets/descgen/internal/config"
	"github.com/mkravets/descgen/internal/inference"
	"github.com/mkravets/descgen/internal/scheduler"
	"github.com/mkravets/descgen/internal/signature"
	"github.com/mkravets/descgen/internal/store"
	"github.com/mkravets/descgen/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — .env for local development, then fail fast on
	// invalid values
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env,
		"vision_model", cfg.Inference.VisionModel,
		"translation_model", cfg.Inference.TranslationModel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create core services
	pgStore := store.NewPostgresStore(pool)
	signer := signature.NewSigner(cfg.Webhook.SharedKey)
	infClient := inference.NewHTTPClient(cfg.Inference.BaseURL, cfg.Inference.APIKey,
		cfg.Inference.CompletionWindow, cfg.Inference.RequestTimeout)
	dispatcher := webhook.NewDispatcher(pgStore, signer, cfg.Webhook, logger)
	orchestrator := batch.NewOrchestrator(pgStore, infClient, redisCache, dispatcher,
		cfg.Inference, cfg.Limits, logger)

	// 6. Start the background loop
	loop := scheduler.NewLoop(orchestrator, dispatcher, pgStore, cfg.Scheduler, logger)
	go loop.Run(ctx)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Admin.APIKeyHash),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache),
		CreateJobHandler: handler.NewCreateJobHandler(orchestrator, signer),
		JobStatusHandler: handler.NewJobStatusHandler(orchestrator, redisCache),
		CancelJobHandler: handler.NewCancelJobHandler(orchestrator),

		WebhookMetricsHandler: handler.NewWebhookMetricsHandler(pgStore, cfg.Webhook.MaxAttempts),
		FailedWebhooksHandler: handler.NewFailedWebhooksHandler(pgStore, cfg.Webhook.MaxAttempts),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
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

	slog.Info("server stopped gracefully")
	return nil
}
