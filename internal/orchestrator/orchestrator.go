// Package orchestrator wires discovery, the streaming transport, the
// candle aggregator, and the parquet writer into one supervised process:
// a fixed five-second loop drives stale-candle flushing, periodic
// disk flush/archive, and periodic re-discovery, while the transport
// worker owns the socket and feeds the aggregator synchronously.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MarcelWind/polymarket-history-generator/internal/aggregator"
	"github.com/MarcelWind/polymarket-history-generator/internal/config"
	"github.com/MarcelWind/polymarket-history-generator/internal/discovery"
	"github.com/MarcelWind/polymarket-history-generator/internal/errs"
	"github.com/MarcelWind/polymarket-history-generator/internal/metrics"
	"github.com/MarcelWind/polymarket-history-generator/internal/transport"
	"github.com/MarcelWind/polymarket-history-generator/internal/writer"
)

// loopInterval is the fixed cadence of the main supervisory loop. Flush
// and discovery cadences are configurable multiples of wall-clock time
// checked against this tick, not separate tickers, so both share one
// single shutdown-observing wait.
const loopInterval = 5 * time.Second

// Orchestrator owns the full lifecycle of one ingestion process: startup
// wiring, the steady-state loop, and an orderly final flush on shutdown.
type Orchestrator struct {
	cfg config.Config

	registry   *discovery.Registry
	discoverer *discovery.MarketDiscovery
	agg        *aggregator.Aggregator
	store      *writer.Writer
	stream     *transport.StreamTransport

	metrics *metrics.Metrics
	health  *metrics.Health

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component per cfg and runs the initial discovery pass.
// It fails fast with a *errs.DiscoveryError if that initial pass yields
// zero tracked assets, since there is nothing to stream or aggregate.
func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, health *metrics.Health) (*Orchestrator, error) {
	registry := discovery.NewRegistry()
	discoverer := discovery.New(cfg.GammaBaseURL, registry, logger)

	agg := aggregator.New(cfg.CandleInterval(), logger)

	store, err := writer.New(cfg.DataDir, registry, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		discoverer: discoverer,
		agg:        agg,
		store:      store,
		metrics:    m,
		health:     health,
		logger:     logger.With("component", "orchestrator"),
	}

	o.stream = transport.New(cfg.WSMarketURL, o.handleEvent, logger)
	o.stream.OnReconnect(func() { m.Reconnects.Inc() })
	o.agg.OnDrop(func(reason string) { m.EventsDropped.WithLabelValues(reason).Inc() })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	o.discoverer.Discover(ctx, cfg.MarketQueries)
	cancel()
	m.DiscoveryLatency.Observe(time.Since(start).Seconds())

	if registry.Len() == 0 {
		return nil, &errs.DiscoveryError{
			Query: "<initial>",
			Err:   errNoAssetsDiscovered,
		}
	}

	m.KnownAssetCount.Set(float64(registry.Len()))

	o.logger.Info("initial discovery complete", "assets", registry.Len())

	return o, nil
}

var errNoAssetsDiscovered = errors.New("no assets discovered from any configured query")

// handleEvent is the transport callback: it runs synchronously on the
// transport's read loop and must never block on external I/O.
func (o *Orchestrator) handleEvent(kind string, payload json.RawMessage) {
	o.agg.OnMessage(kind, payload)
}

// Start launches the transport worker and the main supervisory loop as
// background goroutines and returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.stream.Subscribe(o.registry.AssetIDs())

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.stream.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Error("stream transport exited", "error", err)
		}
	}()
	o.health.SetTransportOpen(true)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runLoop()
	}()
}

// runLoop is the fixed five-second supervisory tick: flush stale
// candles every tick, and conditionally flush-to-disk/archive or
// re-discover once their respective configured interval has elapsed.
func (o *Orchestrator) runLoop() {
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	lastFlush := time.Now()
	lastDiscover := time.Now()

	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-ticker.C:
			o.tick(now)
			o.health.RecordLoopTick()

			if now.Sub(lastFlush) >= o.cfg.FlushInterval() {
				o.flushAndArchive()
				lastFlush = now
			}
			if now.Sub(lastDiscover) >= o.cfg.DiscoveryInterval() {
				o.rediscover()
				lastDiscover = now
			}
		}
	}
}

// tick finalizes any candle whose boundary has passed and appends the
// drained candles to the writer's in-memory buffer.
func (o *Orchestrator) tick(now time.Time) {
	o.agg.FlushStaleCandles(now.UnixMilli())
	candles := o.agg.DrainCompletedCandles()
	if len(candles) == 0 {
		return
	}
	n := o.store.AppendCandles(candles)
	o.metrics.CandlesFinalized.Add(float64(n))
	o.metrics.BufferSize.Set(float64(o.store.BufferLen()))
	o.logger.Debug("appended candles", "count", n)
}

func (o *Orchestrator) flushAndArchive() {
	if err := o.store.FlushToDisk(); err != nil {
		o.metrics.FlushFailures.Inc()
		o.logger.Error("flush to disk failed", "error", err)
		return
	}
	o.metrics.FlushSuccesses.Inc()
	o.metrics.BufferSize.Set(float64(o.store.BufferLen()))

	if err := o.store.Archive(o.cfg.ArchivePath); err != nil {
		o.metrics.ArchiveFailures.Inc()
		o.logger.Error("archive failed", "error", err)
		return
	}
	o.metrics.ArchiveSuccesses.Inc()
}

func (o *Orchestrator) rediscover() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	found := o.discoverer.Discover(ctx, o.cfg.MarketQueries)
	cancel()
	o.metrics.DiscoveryLatency.Observe(time.Since(start).Seconds())
	o.health.RecordDiscoveryError(nil)

	if len(found) == 0 {
		return
	}

	ids := make([]string, len(found))
	for i, info := range found {
		ids[i] = info.AssetID
	}
	o.stream.Subscribe(ids)
	o.metrics.KnownAssetCount.Set(float64(o.registry.Len()))
	o.logger.Info("re-discovery added assets", "new_assets", len(found), "total", o.registry.Len())
}

// Stop signals shutdown, stops the transport, waits for both background
// goroutines, then performs one final stale-flush/drain/append/flush/
// archive pass so no buffered or in-progress data is lost.
func (o *Orchestrator) Stop() {
	o.logger.Info("shutting down")

	o.stream.Stop()
	o.health.SetTransportOpen(false)
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	// Flushing as of one interval ahead finalizes the current, still
	// in-progress candles too.
	o.tick(time.Now().Add(o.cfg.CandleInterval()))
	if err := o.store.FlushToDisk(); err != nil {
		o.logger.Error("final flush failed", "error", err)
	} else if err := o.store.Archive(o.cfg.ArchivePath); err != nil {
		o.logger.Error("final archive failed", "error", err)
	}

	o.logger.Info("shutdown complete")
}
