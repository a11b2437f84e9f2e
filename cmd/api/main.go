package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/peerpesa/settlement/internal/config"
	"github.com/peerpesa/settlement/internal/infra"
	"github.com/peerpesa/settlement/internal/logging"
	"github.com/peerpesa/settlement/internal/scheduler"
	"github.com/peerpesa/settlement/internal/server"
	"github.com/peerpesa/settlement/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx := context.Background()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.AppName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("shutdown tracer", "error", err)
		}
	}()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var chainConn *infra.ChainConn
	if cfg.ChainRPCURL != "" {
		chainConn, err = infra.NewChainConn(ctx, cfg.ChainRPCURL)
		if err != nil {
			logger.Error("connect chain rpc", "error", err)
			os.Exit(1)
		}
		defer chainConn.Close()
	}

	srv, err := server.New(cfg, db, cache, chainConn, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	jobs, err := scheduler.New(srv.Orchestrator(), scheduler.Config{Schedule: cfg.ReconcileSchedule}, logger)
	if err != nil {
		logger.Error("build scheduler", "error", err)
		os.Exit(1)
	}
	jobs.Start()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		<-jobs.Stop().Done()
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	select {
	case <-jobs.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("reconciliation still running at shutdown")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
