// historyd ingests live Polymarket order-flow for a configured set of
// market queries and writes per-market OHLCV candle history to parquet.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the orchestrator, waits for SIGINT/SIGTERM
//	orchestrator/orchestrator.go — wires discovery → transport → aggregator → writer, drives the 5s supervisory loop
//	discovery/discovery.go    — polls the Gamma public-search API and grows the known-assets registry
//	transport/transport.go    — reconnecting WebSocket subscription to the market-data channel
//	aggregator/aggregator.go  — per-asset OHLCV candle accumulation from trade/quote events
//	writer/writer.go          — buffers finalized candles, flushes to per-market parquet files, zip-archives the store
//	metrics/metrics.go        — Prometheus counters/gauges and a /healthz liveness endpoint
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcelWind/polymarket-history-generator/internal/config"
	"github.com/MarcelWind/polymarket-history-generator/internal/metrics"
	"github.com/MarcelWind/polymarket-history-generator/internal/orchestrator"
)

func main() {
	cfgPath := "config.yaml"
	if p := os.Getenv("POLYHIST_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	m := metrics.New()
	health := metrics.NewHealth()

	orch, err := orchestrator.New(*cfg, logger, m, health)
	if err != nil {
		logger.Error("failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr, m, health)
	metricsErrCh := make(chan error, 1)
	metricsServer.Start(metricsErrCh)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)

	logger.Info("historyd started",
		"data_dir", cfg.DataDir,
		"candle_interval", cfg.CandleInterval(),
		"flush_interval", cfg.FlushInterval(),
		"discovery_interval", cfg.DiscoveryInterval(),
		"metrics_addr", cfg.MetricsAddr,
	)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-metricsErrCh:
		logger.Error("metrics server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", "error", err)
	}

	orch.Stop()
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
