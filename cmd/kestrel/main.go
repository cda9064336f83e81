// Kestrel - Anomaly detection for streaming business metrics.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/frequency"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/suppress"
	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize detection strategies and ensemble
	strategies, err := detector.FromConfig(cfg.Detectors)
	if err != nil {
		slog.Error("failed to initialize detectors", "error", err)
		os.Exit(1)
	}
	ens, err := ensemble.New(strategies, cfg.Ensemble)
	if err != nil {
		slog.Error("failed to initialize ensemble", "error", err)
		os.Exit(1)
	}
	slog.Info("ensemble initialized",
		"strategies", ens.StrategyNames(),
		"voting", ens.Method(),
	)

	// Initialize false-positive filter and load patterns from database
	filter, err := suppress.NewFilter(repo, cacheImpl, cfg.Suppression)
	if err != nil {
		slog.Error("failed to initialize suppression filter", "error", err)
		os.Exit(1)
	}
	if err := loadPatternsFromDatabase(ctx, repo, filter); err != nil {
		slog.Error("failed to load suppression patterns", "error", err)
		os.Exit(1)
	}
	slog.Info("suppression filter initialized", "patterns_count", filter.PatternsCount())

	// Initialize alerting: history, generator, handlers, escalator
	history := alerting.NewHistory()
	generator := alerting.NewGenerator(history, filter, repo, busImpl)
	generator.RegisterHandler(alerting.ConsoleHandler{})
	if path := os.Getenv("KESTREL_ALERT_FILE"); path != "" {
		generator.RegisterHandler(alerting.NewFileHandler(path))
	}
	if url := os.Getenv("KESTREL_ALERT_WEBHOOK"); url != "" {
		generator.RegisterHandler(alerting.NewWebhookHandler(url, 10*time.Second))
	}

	escalator, err := alerting.NewEscalator(history, repo, busImpl, generator.Dispatch, cfg.Escalation)
	if err != nil {
		slog.Error("failed to initialize escalator", "error", err)
		os.Exit(1)
	}
	if err := escalator.Start(); err != nil {
		slog.Error("failed to start escalator", "error", err)
		os.Exit(1)
	}
	slog.Info("escalator started", "schedule", cfg.Escalation.SweepSchedule)

	// Initialize triage and frequency services
	severity := triage.NewSeverityClassifier(cfg.Severity)
	impact := triage.NewImpactAssessor(cfg.Impact)
	freq := frequency.NewService(repo, cacheImpl, cfg.Suppression)

	// Wire the pipeline
	pipeline := worker.NewPipeline(ens, severity, impact, freq, generator, repo, cacheImpl, busImpl)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, pipeline)

		streamIDs := []string{}
		if envStreams := os.Getenv("KESTREL_STREAMS"); envStreams != "" {
			for _, s := range strings.Split(envStreams, ",") {
				if s = strings.TrimSpace(s); s != "" {
					streamIDs = append(streamIDs, s)
				}
			}
		}

		if err := asyncWorker.Start(worker.Config{StreamIDs: streamIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "stream_count", len(streamIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, pipeline, filter, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the escalation sweeps and workers before the server
	escalator.Stop()

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadPatternsFromDatabase loads suppression patterns into the filter.
// All patterns are configured via POST /patterns - no hardcoded defaults.
func loadPatternsFromDatabase(ctx context.Context, repo domain.Repository, filter *suppress.Filter) error {
	streamIDs := []string{}
	if envStreams := os.Getenv("KESTREL_STREAMS"); envStreams != "" {
		for _, s := range strings.Split(envStreams, ",") {
			if s = strings.TrimSpace(s); s != "" {
				streamIDs = append(streamIDs, s)
			}
		}
	}

	total := 0
	for _, streamID := range streamIDs {
		patterns, err := repo.ListPatterns(ctx, streamID)
		if err != nil {
			slog.Warn("failed to list patterns from database", "stream_id", streamID, "error", err)
			continue
		}
		if err := filter.LoadPatterns(patterns); err != nil {
			return err
		}
		total += len(patterns)
	}

	if total == 0 {
		slog.Info("no suppression patterns in database - configure via POST /patterns API")
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Anomaly Detection Engine            ║")
	fmt.Println("  ║      Eyes on every metric.                ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /train               - Train the detection ensemble")
	fmt.Println("    POST /detect              - Score an observation batch")
	fmt.Println("    POST /contributions       - Per-strategy anomaly rates")
	fmt.Println("    GET  /anomalies/{id}      - Get anomaly by ID")
	fmt.Println("    GET  /alerts              - List alerts")
	fmt.Println("    POST /alerts/{id}/ack     - Acknowledge an alert")
	fmt.Println("    GET  /patterns            - List suppression patterns")
	fmt.Println("    POST /patterns            - Create a suppression pattern")
	fmt.Println("    POST /patterns/reload     - Hot-reload patterns from database")
	fmt.Println("    POST /falsepositives      - Confirm a false positive")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
