// Talon - Context-driven targeting and promotions for commerce.
// Copyright (c) 2025 opensource.commerce
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

	"github.com/opensource-commerce/talon/internal/api"
	"github.com/opensource-commerce/talon/internal/bus"
	"github.com/opensource-commerce/talon/internal/cache"
	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/engine"
	"github.com/opensource-commerce/talon/internal/repository"
	"github.com/opensource-commerce/talon/internal/worker"
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
	if os.Getenv("TALON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for multi-node mode via environment
	if os.Getenv("TALON_MODE") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in multi-node mode")
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"evaluation_mode", cfg.EvaluationMode,
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

	// Initialize Engine
	mode := condition.ModeLenient
	if cfg.EvaluationMode == "strict" {
		mode = condition.ModeStrict
	}
	eng := engine.New(repo, cacheImpl, busImpl, engine.Options{
		Mode:         mode,
		CandidateTTL: cfg.Cache.LocalTTL,
		Logger:       logger,
	})
	slog.Info("engine initialized")

	// Warm the rule bases of the configured stores so the first request
	// does not pay the compile cost.
	stores := watchedStores()
	for _, store := range stores {
		if err := eng.ReloadRules(ctx, store); err != nil {
			slog.Warn("rule base warmup failed", "store", store, "error", err)
		}
	}

	// Start the invalidation worker. Every node runs one so authoring
	// changes propagate to all caches.
	invalidator := worker.NewWorker(busImpl, eng)
	if err := invalidator.Start(worker.Config{Stores: stores}); err != nil {
		slog.Error("failed to start invalidation worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, eng, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the invalidation worker first
	if err := invalidator.Stop(); err != nil {
		slog.Error("failed to stop invalidation worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

// watchedStores returns the store codes from TALON_STORES, comma
// separated. The global partition is always watched on top of these.
func watchedStores() []string {
	env := os.Getenv("TALON_STORES")
	if env == "" {
		return nil
	}
	var stores []string
	for _, s := range strings.Split(env, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stores = append(stores, s)
		}
	}
	return stores
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  TALON - Context-driven targeting and promotions")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /resolve/price-lists      - Resolve the price list stack")
	fmt.Println("    POST /resolve/content          - Resolve a content slot")
	fmt.Println("    POST /promotions/evaluate      - Evaluate promotion rules")
	fmt.Println("    POST /coupons/redeem           - Redeem a coupon for an order")
	fmt.Println("    POST /coupons/release          - Release a coupon from an order")
	fmt.Println("    POST /conditions/validate      - Validate a condition string")
	fmt.Println("    GET  /rules                    - List promotion rules")
	fmt.Println("    POST /rules                    - Create a promotion rule")
	fmt.Println("    POST /rules/reload             - Hot-reload rule bases")
	fmt.Println("    POST /selling-contexts         - Create a selling context")
	fmt.Println("    POST /assignments              - Create an assignment")
	fmt.Println("    POST /coupons                  - Create a coupon")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println("    GET  /metrics                  - Prometheus metrics")
	fmt.Println()
}
