package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !cfg.EmbeddedExecutor {
		if err := app.CheckStandalone(cfg); err != nil {
			logger.Fatal().Err(err).Msg("external executor needs shared backends")
		}
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open backends")
	}
	defer backends.Close()

	server, err := app.NewGateway(cfg, backends, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init gateway")
	}

	var wg sync.WaitGroup
	if cfg.EmbeddedExecutor {
		pool, err := app.NewExecutor(cfg, backends, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init embedded executor")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("executor stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
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

	logger.Info().Str("port", cfg.HTTPPort).Str("metrics_addr", cfg.MetricsAddr).Bool("embedded_executor", cfg.EmbeddedExecutor).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	_ = metrics.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info().Msg("api stopped")
}
