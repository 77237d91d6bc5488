// Harrier - Fraud case coordination for e-commerce teams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/casework"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/inventory"
	"github.com/opensource-finance/harrier/internal/lock"
	"github.com/opensource-finance/harrier/internal/policy"
	"github.com/opensource-finance/harrier/internal/query"
	"github.com/opensource-finance/harrier/internal/realtime"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scorer"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(newLogger(cfg.Logging))

	// Log startup
	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"lock", cfg.Lock.Type,
		"scorer", cfg.Scorer.BaseURL,
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

	// Initialize Tracing
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

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

	// Initialize case-open lock
	var lockClient *redis.Client
	if cfg.Lock.Type == "redis" {
		lockClient, err = cache.Dial(cfg.Lock.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			slog.Error("failed to connect lock store", "error", err)
			os.Exit(1)
		}
		defer lockClient.Close()
	}
	locker, err := lock.New(cfg.Lock, lockClient)
	if err != nil {
		slog.Error("failed to initialize lock", "error", err)
		os.Exit(1)
	}

	// Initialize case-open policy
	gate, err := policy.New(cfg.Policy.CaseOpenExpression)
	if err != nil {
		slog.Error("failed to compile case policy", "error", err)
		os.Exit(1)
	}
	slog.Info("case policy loaded", "expression", gate.Expression())

	// Initialize query layer
	queries := query.NewService(repo, cacheImpl, cfg.Query)
	if err := queries.Start(); err != nil {
		slog.Error("failed to start query refresh", "error", err)
		os.Exit(1)
	}

	scorerClient := scorer.NewClient(cfg.Scorer)
	cases := casework.NewService(repo, scorerClient, busImpl, queries, gate, locker)
	stock := inventory.NewService(repo, busImpl, queries)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, cases)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	// Relay the scorer push feed onto the bus
	var relay *realtime.Client
	stopRelay := func() {}
	if cfg.Scorer.Relay {
		relay, stopRelay, err = startRelay(cfg.Scorer, busImpl, queries)
		if err != nil {
			slog.Error("failed to start score relay", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, cfg.Auth, api.Services{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Cases:     cases,
		Inventory: stock,
		Queries:   queries,
		Worker:    asyncWorker,
	}, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopRelay()
	if relay != nil {
		relay.Disconnect()
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	<-queries.Stop().Done()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

// startRelay subscribes to the scorer's push feed. Pushes carry no tenant,
// so they are republished on the global tenant and every tenant's cached
// score for the transaction is dropped.
func startRelay(cfg domain.ScorerConfig, eventBus domain.EventBus, queries *query.Service) (*realtime.Client, func(), error) {
	wsURL, err := scorer.WebSocketURL(cfg.BaseURL, cfg.WSURL)
	if err != nil {
		return nil, nil, err
	}

	var opts []realtime.Option
	if cfg.APIKey != "" {
		opts = append(opts, realtime.WithHeader(http.Header{"X-API-Key": []string{cfg.APIKey}}))
	}
	client := realtime.NewClient(wsURL, opts...)

	stop := client.OnUpdate(func(update domain.ScoreUpdate) {
		ctx := context.Background()
		queries.InvalidateScoreAll(ctx, update.TransactionID)

		payload, err := json.Marshal(update)
		if err != nil {
			return
		}
		if err := eventBus.Publish(ctx, domain.GlobalTenant, domain.TopicScoreUpdated, payload); err != nil {
			slog.Warn("failed to relay score update",
				"tx_id", update.TransactionID,
				"error", err,
			)
		}
	})

	slog.Info("score relay started", "url", wsURL)
	return client, stop, nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HARRIER")
	fmt.Println("  Fraud case coordination")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Scorer:   %s\n", cfg.Scorer.BaseURL)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /transactions                    - Submit and score a transaction")
	fmt.Println("    GET   /transactions/{id}/score         - Latest fraud score")
	fmt.Println("    POST  /transactions/{id}/feedback      - Send a verdict to the scorer")
	fmt.Println("    GET   /cases                           - List fraud cases")
	fmt.Println("    PATCH /cases/{id}                      - Review a case")
	fmt.Println("    GET   /cases/{id}/events               - Case audit trail")
	fmt.Println("    GET   /statistics                      - Dashboard statistics")
	fmt.Println("    GET   /products/{id}/forecast          - Product demand forecast")
	fmt.Println("    GET   /restock-recommendations         - Restock recommendations")
	fmt.Println("    PATCH /restock-recommendations/{id}    - Approve or reject a restock")
	fmt.Println("    GET   /ws/updates                      - Live score feed")
	fmt.Println("    GET   /health                          - Health check")
	fmt.Println("    GET   /metrics                         - Prometheus metrics")
	fmt.Println()
}
