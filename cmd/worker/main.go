package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"secure-analysis-gateway/internal/app"
	"secure-analysis-gateway/internal/config"
	"secure-analysis-gateway/internal/logging"
	"secure-analysis-gateway/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := app.CheckStandalone(cfg); err != nil {
		logger.Fatal().Err(err).Msg("worker needs shared backends")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open backends")
	}
	defer backends.Close()

	pool, err := app.NewExecutor(cfg, backends, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init executor")
	}

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.ExecutorConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("exec_timeout", cfg.ExecTimeout).
		Msg("worker started")
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
