package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haulgrid/ad-engine/internal/config"
	"github.com/haulgrid/ad-engine/internal/database"
	"github.com/haulgrid/ad-engine/internal/geo"
	"github.com/haulgrid/ad-engine/internal/httpserver"
	"github.com/haulgrid/ad-engine/internal/metrics"
	"github.com/haulgrid/ad-engine/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting ad engine",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := httpserver.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewMetrics("adengine"),
	}

	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("postgres unavailable, serving from in-memory storage", zap.Error(err))
	} else {
		deps.DB = db
		defer db.Close()
	}

	rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis unavailable, frequency state is process-local", zap.Error(err))
	} else {
		deps.Redis = rdb
		defer rdb.Close() //nolint:errcheck
	}

	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("clickhouse unavailable, event ledger disabled", zap.Error(err))
		} else {
			deps.ClickHouse = ch
			defer ch.Close() //nolint:errcheck
		}
	}

	if cfg.Geo.Enabled {
		provider, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("geoip database unavailable", zap.Error(err))
		} else {
			deps.Geo = provider
			defer provider.Close() //nolint:errcheck
		}
	}

	server := httpserver.NewServer(deps)

	// Middleware chain, outermost first.
	handler := server.Handler()
	handler = middleware.NewAuthMiddleware(cfg.Auth, logger).Handler(handler)
	if cfg.RateLimit.Enabled {
		handler = middleware.NewRateLimitMiddleware(cfg.RateLimit, logger).Handler(handler)
	}
	handler = middleware.NewLoggingMiddleware(logger).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(logger).Handler(handler)

	go server.Auctions().Run(ctx, cfg.Auction.TickInterval)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("ad engine stopped")
}
