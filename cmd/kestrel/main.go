// Kestrel - Eligibility decisions that deploy in 60 seconds.
// Copyright (c) 2025 opensource.credit
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

	"github.com/opensource-credit/kestrel/internal/api"
	"github.com/opensource-credit/kestrel/internal/audit"
	"github.com/opensource-credit/kestrel/internal/bus"
	"github.com/opensource-credit/kestrel/internal/cache"
	"github.com/opensource-credit/kestrel/internal/decision"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/history"
	"github.com/opensource-credit/kestrel/internal/repository"
	"github.com/opensource-credit/kestrel/internal/rules"
	"github.com/opensource-credit/kestrel/internal/worker"
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

	// Initialize History Service
	historySvc := history.NewService(repo, cacheImpl)
	slog.Info("history service initialized")

	// Initialize Audit Logger
	auditor := audit.NewLogger(repo, busImpl)
	slog.Info("audit logger initialized")

	// Initialize Evaluation Engine
	engine := rules.NewEngine(cfg.Engine.MaxWorkers)

	// Load criteria from database (no hardcoded defaults - configure via API)
	if err := loadCriteriaFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load criteria", "error", err)
		os.Exit(1)
	}
	slog.Info("evaluation engine initialized", "criteria_count", engine.Count())

	// Initialize Decision Processor
	processor := decision.NewProcessor(cfg.Engine)
	slog.Info("decision processor initialized", "threshold", processor.DefaultThreshold)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, engine, processor)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, processor, auditor, historySvc, Version)

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

	// Stop async worker first
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

// GlobalTenantID is used for criteria that apply to all tenants.
const GlobalTenantID = "*"

// loadCriteriaFromDatabase loads criteria from the database into the engine.
// Criteria are configured via POST /criteria - there are no hardcoded defaults.
func loadCriteriaFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	tenants := []string{GlobalTenantID}
	if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
		for _, t := range strings.Split(envTenants, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tenants = append(tenants, t)
			}
		}
	}

	total := 0
	for _, tenantID := range tenants {
		criteria, err := repo.ListCriteria(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list criteria from database", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := engine.LoadAll(criteria); err != nil {
			return err
		}
		total += len(criteria)
	}

	if total == 0 {
		slog.Info("no criteria in database - configure via POST /criteria API")
	} else {
		slog.Info("loaded criteria from database", "count", total)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║       Eligibility Decision Engine         ║")
	fmt.Println("  ║      Every decision, explained.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                        - Evaluate a subject against criteria")
	fmt.Println("    GET  /evaluations/{id}                - Get evaluation by ID")
	fmt.Println("    GET  /subjects/{id}/evaluations       - List evaluations for a subject")
	fmt.Println("    GET  /subjects/{id}/history           - Evaluation count and last result")
	fmt.Println("    GET  /criteria                        - List all criteria")
	fmt.Println("    POST /criteria                        - Create a new criteria")
	fmt.Println("    PUT  /criteria/{id}                   - Update a criteria")
	fmt.Println("    DELETE /criteria/{id}                 - Delete a criteria")
	fmt.Println("    POST /criteria/reload                 - Hot-reload criteria from database")
	fmt.Println("    GET  /criteria/{id}/versions          - List version snapshots")
	fmt.Println("    POST /criteria/{id}/versions          - Capture a version snapshot")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
