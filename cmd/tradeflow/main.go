// Tradeflow — a webhook-to-exchange signal pipeline. Strategy alerts
// (TradingView or equivalent) arrive over HTTP, fan out to every
// auto-trading subscriber, and flow through a Redis priority queue to a
// worker pool that risk-checks and executes each signal on the user's
// exchange account.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires the pipeline, waits for SIGINT/SIGTERM
//	ingress/handlers.go  — webhook intake: auth, validation, per-subscriber fan-out with dedup
//	queue/queue.go       — Redis-backed priority queue: retry with backoff, dead letter, crash recovery
//	worker/pool.go       — N workers: hydrate adapter + portfolio, execute under a deadline, report outcome
//	risk/manager.go      — pre-trade gate: daily loss, trade count, position, leverage, exposure limits
//	executor/executor.go — turns an approved signal into venue orders, protective orders included
//	exchange/binance.go  — Binance spot and USD-M futures adapter behind the venue registry
//	notify/hub.go        — per-user websocket stream for execution events
//	stores/filestore.go  — JSON file persistence for strategies, subscriptions, and API keys
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeflow/internal/config"
	"tradeflow/internal/exchange"
	"tradeflow/internal/ingress"
	"tradeflow/internal/notify"
	"tradeflow/internal/queue"
	"tradeflow/internal/stores"
	"tradeflow/internal/worker"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	cancelPing()

	// Open the strategy/key store
	store, err := stores.OpenFileStore(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "dir", cfg.Store.DataDir, "error", err)
		os.Exit(1)
	}

	q := queue.New(rdb, logger)
	registry := exchange.NewRegistry()
	hub := notify.NewHub(logger)

	// Start workers; Start also re-queues signals abandoned mid-flight
	// by a previous crash.
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.New(q, registry, store, store, hub, worker.Options{
		DequeueTimeout:   cfg.Worker.DequeueTimeout,
		MaxExecutionTime: cfg.Worker.MaxExecutionTime,
		RecoverMaxAge:    cfg.Worker.RecoverMaxAge,
		SlippagePercent:  decimal.NewFromFloat(cfg.Exchange.DefaultSlippagePercent),
	}, logger)
	pool.Start(ctx, cfg.Worker.Count)

	// Start webhook server
	handlers := ingress.NewHandlers(store, q, hub, cfg.Ingress.RatePerMinute, cfg.Ingress.DedupTTL, logger)
	server := ingress.NewServer(cfg.Server.Port, handlers, hub, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("webhook server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("tradeflow started",
		"port", cfg.Server.Port,
		"workers", cfg.Worker.Count,
		"venues", registry.Venues(),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Stop intake first so no new signals land mid-shutdown.
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop webhook server", "error", err)
	}
	cancel()
	pool.Wait()
	if err := rdb.Close(); err != nil {
		logger.Error("failed to close redis client", "error", err)
	}
	logger.Info("tradeflow stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
