package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"platesolve/internal/cli"
	"platesolve/internal/config"
	"platesolve/internal/coords"
	"platesolve/internal/logging"
	"platesolve/internal/pipeline"
	"platesolve/internal/solver"
	"platesolve/internal/storage"
	"platesolve/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("platesolve failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Paths.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var (
		metrics        *telemetry.SolveMetrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		provider, err := telemetry.NewPrometheusProvider()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = provider.Shutdown(ctx)
		}()
		if metrics, err = telemetry.NewSolveMetrics(provider.MeterProvider()); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metricsHandler = provider.Handler()
	}

	registry := solver.NewRegistry(&cfg.Solver, solver.Options{
		Logger:    logger,
		Assembler: solver.NewAssembler(logger, coords.Precession{}),
	})
	pipe := pipeline.New(logger, store, registry, cfg.Solver.Framework, pipeline.WithMetrics(metrics))
	defer pipe.Close()

	root := cli.NewRoot(pipe, registry, cfg, logger, store, metricsHandler)
	return cli.NewRootCmd(root).Execute()
}
