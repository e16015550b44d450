package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/lesson-pipeline/internal/app"
	"github.com/iago/lesson-pipeline/internal/config"
	httpserver "github.com/iago/lesson-pipeline/internal/http"
	"github.com/iago/lesson-pipeline/internal/http/handlers"
	"github.com/iago/lesson-pipeline/internal/logging"
	"github.com/iago/lesson-pipeline/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv, "lesson-api")
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tuning := app.LoadTuning(cfg, logger)
	components, err := app.Build(ctx, cfg, tuning, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble pipeline")
		os.Exit(1)
	}
	defer components.Close()

	idempotency, idempotencyCloser := setupIdempotency(ctx, cfg, logger)
	defer idempotencyCloser()

	intake := service.NewIntakeService(service.IntakeDependencies{
		Requests: components.Requests,
		Producer: components.Producer,
		Screener: components.Screener,
		Similar:  components.Lessons,
		Catalog:  components.Catalog,
		Logger:   logger,
	})
	api := handlers.NewAPI(intake, idempotency, logger)

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		go func() {
			defer close(workerDone)
			runWorkerLoop(ctx, components, cfg, logger)
		}()
		logger.Info().Msg("in-process worker enabled")
	} else {
		close(workerDone)
		logger.Info().Msg("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-workerDone
}

// runWorkerLoop repeats bounded worker runs until shutdown so a long-lived
// API process keeps draining the queue.
func runWorkerLoop(ctx context.Context, components *app.Components, cfg config.Config, logger zerolog.Logger) {
	w := components.Worker()
	maxRuntime := time.Duration(cfg.WorkerMaxRuntimeSeconds) * time.Second
	emptyTimeout := time.Duration(cfg.WorkerEmptyQueueTimeoutSeconds) * time.Second
	for ctx.Err() == nil {
		stats := w.Run(ctx, maxRuntime, emptyTimeout)
		logger.Debug().
			Str("exit_reason", string(stats.ExitReason)).
			Int("processed", stats.Processed).
			Msg("worker cycle finished")
	}
}

func setupIdempotency(ctx context.Context, cfg config.Config, logger zerolog.Logger) (handlers.IdempotencyStore, func()) {
	ttl := time.Duration(cfg.IdempotencyTTLSeconds) * time.Second
	if cfg.IdempotencyBackend != "redis" {
		return handlers.NewMemoryIdempotencyStore(ttl), func() {}
	}
	if cfg.RedisAddr == "" {
		logger.Warn().Msg("IDEMPOTENCY_BACKEND=redis without REDIS_ADDR, using memory")
		return handlers.NewMemoryIdempotencyStore(ttl), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("failed to reach redis for idempotency keys, using memory")
		_ = client.Close()
		return handlers.NewMemoryIdempotencyStore(ttl), func() {}
	}
	logger.Info().Msg("redis idempotency store initialized")
	return handlers.NewRedisIdempotencyStore(client, ttl), func() {
		_ = client.Close()
	}
}
