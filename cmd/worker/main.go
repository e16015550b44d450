package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/lesson-pipeline/internal/app"
	"github.com/iago/lesson-pipeline/internal/config"
	"github.com/iago/lesson-pipeline/internal/logging"
	"github.com/iago/lesson-pipeline/internal/worker"
)

// One bounded worker invocation, suited to a scheduled job. The exit code is
// non-zero only when the pipeline cannot be assembled.
func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv, "lesson-worker")
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}

	maxRuntime := flag.Duration("max-runtime", time.Duration(cfg.WorkerMaxRuntimeSeconds)*time.Second, "stop leasing after this long")
	emptyTimeout := flag.Duration("empty-queue-timeout", time.Duration(cfg.WorkerEmptyQueueTimeoutSeconds)*time.Second, "stop after the queue stays empty this long")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tuning := app.LoadTuning(cfg, logger)
	components, err := app.Build(ctx, cfg, tuning, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble pipeline")
		os.Exit(1)
	}
	defer components.Close()

	stats := components.Worker().Run(ctx, *maxRuntime, *emptyTimeout)
	logger.Info().
		Str("exit_reason", string(stats.ExitReason)).
		Int("leased", stats.Leased).
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Int("dead_lettered", stats.DeadLettered).
		Dur("elapsed", stats.Elapsed).
		Msg("worker invocation complete")

	if stats.ExitReason == worker.ExitCancelled {
		logger.Warn().Msg("worker interrupted before its queue drained")
	}
}
