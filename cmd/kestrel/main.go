// Kestrel - Real-time fraud rule scoring for card and account transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel exited", "error", err)
		os.Exit(1)
	}
}

// run wires the service graph and blocks until ctx is cancelled or the
// HTTP server fails.
func run(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"event_bus", cfg.EventBus.Type,
	)

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer store.Close()

	events, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer events.Close()

	active := cache.NewActiveRules(store, repo, cfg.Engine.RuleCacheTTL, m)
	ruleCatalog := catalog.New(repo, active, nil)
	if cfg.Engine.SeedDefaultRules {
		n, err := ruleCatalog.SeedDefaults(ctx)
		if err != nil {
			return fmt.Errorf("seed default rules: %w", err)
		}
		if n > 0 {
			slog.Info("default rules installed", "rules_count", n)
		}
	}

	clock := domain.SystemClock{}
	engine := rules.NewEngine(history.NewService(repo, clock), clock, cfg.Engine.MaxWorkers)
	scorer := fraud.NewService(repo, active, engine, repo, clock, m)
	scorer.SetTimeout(cfg.Engine.AnalysisTimeout)
	slog.Info("rule engine ready",
		"max_workers", engine.MaxWorkers(),
		"analysis_timeout", cfg.Engine.AnalysisTimeout,
	)
	intake := ingest.NewService(repo, scorer, events, clock, m)

	if cfg.Engine.Workers > 0 {
		w := worker.NewWorker(events, intake)
		if err := w.Start(worker.Config{
			WorkerCount: cfg.Engine.Workers,
			Timeout:     2 * cfg.Engine.AnalysisTimeout,
		}); err != nil {
			return fmt.Errorf("async worker: %w", err)
		}
		// Runs once g.Wait returns and the server no longer accepts intake.
		defer func() {
			if err := w.Stop(); err != nil {
				slog.Error("async worker stop", "error", err)
			}
		}()
	}

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}
	srv := api.NewServer(cfg.Server, intake, ruleCatalog, map[string]api.Pinger{
		"repository": repo,
		"cache":      store,
		"event_bus":  events,
	}, metricsHandler, Version)
	logRoutes(srv.Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level, err := config.LogLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func logRoutes(r chi.Routes) {
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		slog.Debug("route", "method", method, "path", route)
		return nil
	})
}
