package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firmly-accounts/internal/cache"
	"firmly-accounts/internal/config"
	"firmly-accounts/internal/httpserver"
	"firmly-accounts/internal/locator"
	"firmly-accounts/internal/logging"
	"firmly-accounts/internal/metrics"
	"firmly-accounts/internal/saga"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting firmly-accounts", "env", cfg.AppEnv, "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	actorLocator := locator.New(locator.Config{
		DataDir:   cfg.DataDir,
		InviteTTL: cfg.InviteTTL,
	}, logger, metricRegistry)
	defer actorLocator.Close()

	orchestrator := saga.New(actorLocator, logger, metricRegistry)

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Locator:         actorLocator,
		Orchestrator:    orchestrator,
		Cache:           redisClient,
		CatalogCacheTTL: cfg.CatalogCacheTTL,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
