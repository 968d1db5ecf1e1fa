// Package metrics exposes Prometheus counters/gauges for the daemon and
// an HTTP server serving /metrics and /healthz.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus series this daemon exports, registered
// against its own registry rather than the global default so multiple
// instances (as in tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	CandlesFinalized prometheus.Counter
	EventsDropped    *prometheus.CounterVec // labels: reason
	FlushSuccesses   prometheus.Counter
	FlushFailures    prometheus.Counter
	ArchiveSuccesses prometheus.Counter
	ArchiveFailures  prometheus.Counter
	Reconnects       prometheus.Counter
	BufferSize       prometheus.Gauge
	KnownAssetCount  prometheus.Gauge
	DiscoveryLatency prometheus.Histogram
}

// New registers and returns the daemon's metrics.
func New() *Metrics {
	m := &Metrics{
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "historyd_candles_finalized_total",
			Help: "Total OHLCV candles finalized by the aggregator",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "historyd_events_dropped_total",
			Help: "Market events dropped by the aggregator, by reason",
		}, []string{"reason"}),
		FlushSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "historyd_flush_successes_total",
			Help: "Successful writer flushes to disk",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "historyd_flush_failures_total",
			Help: "Failed writer flushes to disk",
		}),
		ArchiveSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "historyd_archive_successes_total",
			Help: "Successful zip archive snapshots",
		}),
		ArchiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "historyd_archive_failures_total",
			Help: "Failed zip archive snapshots",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "historyd_transport_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		BufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "historyd_writer_buffer_rows",
			Help: "Rows currently buffered in the writer awaiting flush",
		}),
		KnownAssetCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "historyd_known_assets",
			Help: "Number of assets currently tracked by discovery",
		}),
		DiscoveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "historyd_discovery_duration_seconds",
			Help:    "Wall-clock time spent in one discover() call",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.Registry = prometheus.NewRegistry()
	m.Registry.MustRegister(
		m.CandlesFinalized,
		m.EventsDropped,
		m.FlushSuccesses,
		m.FlushFailures,
		m.ArchiveSuccesses,
		m.ArchiveFailures,
		m.Reconnects,
		m.BufferSize,
		m.KnownAssetCount,
		m.DiscoveryLatency,
	)

	return m
}

// Health tracks the liveness signals exposed at /healthz: the orchestrator
// loop's last tick and the transport-open flag, which reflects only what
// SetTransportOpen was last told.
type Health struct {
	mu sync.RWMutex

	startedAt       time.Time
	transportOpen   bool
	lastLoopTick    time.Time
	lastDiscoverErr string
}

// NewHealth returns a Health tracker, started now.
func NewHealth() *Health {
	return &Health{startedAt: time.Now()}
}

func (h *Health) SetTransportOpen(open bool) {
	h.mu.Lock()
	h.transportOpen = open
	h.mu.Unlock()
}

func (h *Health) RecordLoopTick() {
	h.mu.Lock()
	h.lastLoopTick = time.Now()
	h.mu.Unlock()
}

func (h *Health) RecordDiscoveryError(err error) {
	h.mu.Lock()
	if err != nil {
		h.lastDiscoverErr = err.Error()
	} else {
		h.lastDiscoverErr = ""
	}
	h.mu.Unlock()
}

type healthStatus struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	TransportOpen   bool   `json:"transport_open"`
	LastLoopTick    string `json:"last_loop_tick"`
	LastDiscoverErr string `json:"last_discover_error,omitempty"`
}

// ServeHTTP reports "ok" once the orchestrator loop has ticked at least
// once and the transport is open, "degraded" otherwise.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ok"
	code := http.StatusOK
	if h.lastLoopTick.IsZero() || !h.transportOpen {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	var lastTick string
	if !h.lastLoopTick.IsZero() {
		lastTick = h.lastLoopTick.UTC().Format(time.RFC3339)
	}

	body := healthStatus{
		Status:          status,
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		TransportOpen:   h.transportOpen,
		LastLoopTick:    lastTick,
		LastDiscoverErr: h.lastDiscoverErr,
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(body)
}

// Server exposes /metrics (Prometheus) and /healthz over HTTP.
type Server struct {
	health *Health
	srv    *http.Server
}

// NewServer builds a metrics/health server bound to addr (e.g. ":9090").
func NewServer(addr string, m *Metrics, health *Health) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine. Listen errors other than
// a graceful shutdown are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
