package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/MarcelWind/polymarket-history-generator/internal/aggregator"
	"github.com/MarcelWind/polymarket-history-generator/internal/config"
	"github.com/MarcelWind/polymarket-history-generator/internal/discovery"
	"github.com/MarcelWind/polymarket-history-generator/internal/metrics"
	"github.com/MarcelWind/polymarket-history-generator/internal/transport"
	"github.com/MarcelWind/polymarket-history-generator/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func baseConfig(dataDir, archivePath, gammaURL, wsURL string) config.Config {
	return config.Config{
		MarketQueries:            []string{"rain"},
		CandleIntervalSeconds:    60,
		DiscoveryIntervalSeconds: 300,
		FlushIntervalSeconds:     120,
		DataDir:                  dataDir,
		LogLevel:                 "error",
		LogFormat:                "text",
		GammaBaseURL:             gammaURL,
		WSMarketURL:              wsURL,
		ArchivePath:              archivePath,
	}
}

// newTestOrchestrator builds an Orchestrator around real in-process
// components, skipping New()'s network-dependent initial discovery so
// tests can drive tick/flush/rediscover deterministically without a live
// WebSocket connection.
func newTestOrchestrator(t *testing.T, gammaURL string) (*Orchestrator, *metrics.Metrics) {
	t.Helper()

	dir := t.TempDir()
	cfg := baseConfig(dir, dir+"/data.zip", gammaURL, "ws://unused.invalid")

	registry := discovery.NewRegistry()
	discoverer := discovery.New(gammaURL, registry, testLogger())
	agg := aggregator.New(cfg.CandleInterval(), testLogger())
	store, err := writer.New(cfg.DataDir, registry, testLogger())
	if err != nil {
		t.Fatalf("writer.New: %v", err)
	}
	m := metrics.New()
	health := metrics.NewHealth()

	o := &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		discoverer: discoverer,
		agg:        agg,
		store:      store,
		metrics:    m,
		health:     health,
		logger:     testLogger(),
	}
	o.stream = transport.New(cfg.WSMarketURL, o.handleEvent, testLogger())

	return o, m
}

// TestTickAppendsFinalizedCandlesAndUpdatesMetrics is S5-adjacent: a
// finalized candle must reach the writer's buffer and bump the
// candles_finalized counter.
func TestTickAppendsFinalizedCandlesAndUpdatesMetrics(t *testing.T) {
	t.Parallel()

	o, m := newTestOrchestrator(t, "")

	o.agg.OnMessage("last_trade_price", []byte(`{"asset_id":"A1","price":"0.5","size":"10","timestamp":1000}`))
	// Force the in-progress candle stale relative to now so tick() drains it.
	o.tick(time.UnixMilli(1000).Add(2 * time.Minute))

	if o.store.BufferLen() != 1 {
		t.Fatalf("expected 1 buffered row after tick, got %d", o.store.BufferLen())
	}
	if got := testutil.ToFloat64(m.CandlesFinalized); got != 1 {
		t.Errorf("CandlesFinalized = %v, want 1", got)
	}
}

// TestFlushAndArchiveRecordsSuccessMetrics verifies a healthy flush+
// archive pass increments both success counters.
func TestFlushAndArchiveRecordsSuccessMetrics(t *testing.T) {
	t.Parallel()

	o, m := newTestOrchestrator(t, "")

	o.store.AppendCandles([]aggregator.OHLCVCandle{
		{AssetID: "A1", StartTime: 60, Open: decimal.NewFromFloat(0.5), High: decimal.NewFromFloat(0.5),
			Low: decimal.NewFromFloat(0.5), Close: decimal.NewFromFloat(0.5), VWAP: decimal.NewFromFloat(0.5)},
	})

	o.flushAndArchive()

	if got := testutil.ToFloat64(m.FlushSuccesses); got != 1 {
		t.Errorf("FlushSuccesses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArchiveSuccesses); got != 1 {
		t.Errorf("ArchiveSuccesses = %v, want 1", got)
	}
}

// TestRediscoverSubscribesNewlyFoundAssets verifies a periodic
// re-discovery pass adds the newly found assets to the registry.
func TestRediscoverSubscribesNewlyFoundAssets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events":[{"slug":"e1","id":"1","title":"E1","markets":[
			{"groupItemTitle":"M1","closed":false,"archived":false,
			 "clobTokenIds":["TA","TB"],"outcomes":["Yes","No"]}
		]}]}`)
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL)
	o.ctx = t.Context()

	o.rediscover()

	if o.registry.Len() != 2 {
		t.Fatalf("expected 2 assets discovered, got %d", o.registry.Len())
	}
}

// TestNewFailsFastWithZeroInitialAssets covers the startup contract: New
// must return an error rather than construct an Orchestrator with
// nothing to stream.
func TestNewFailsFastWithZeroInitialAssets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events":[]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := baseConfig(dir, dir+"/data.zip", srv.URL, "ws://unused.invalid")

	_, err := New(cfg, testLogger(), metrics.New(), metrics.NewHealth())
	if err == nil {
		t.Fatal("expected New to fail with zero discovered assets")
	}
}

// TestStopIsSafeWithoutStart verifies Stop can run its final-flush
// sequence even if Start was never called (cancel/wg are zero values).
func TestStopIsSafeWithoutStart(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, "")
	o.store.AppendCandles([]aggregator.OHLCVCandle{
		{AssetID: "A1", StartTime: 60, Open: decimal.NewFromFloat(0.5), High: decimal.NewFromFloat(0.5),
			Low: decimal.NewFromFloat(0.5), Close: decimal.NewFromFloat(0.5), VWAP: decimal.NewFromFloat(0.5)},
	})

	o.Stop()

	if o.store.BufferLen() != 0 {
		t.Errorf("expected buffer flushed after Stop, got %d rows", o.store.BufferLen())
	}
}
