package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the continuity engine. Every
// mutation path in the system (Stream Consumer, Backfill Worker, Gap
// Orchestrator, Continuity Scanner, Delta API, Push Hub) reports through
// this struct.
type Metrics struct {
	// Stream Consumer
	StreamMessagesTotal   *prometheus.CounterVec // labels: symbol, interval
	CandlesFinalizedTotal *prometheus.CounterVec // labels: symbol, interval
	LateFillsTotal        *prometheus.CounterVec // labels: symbol, interval
	ReconnectsTotal       *prometheus.CounterVec // labels: symbol, interval
	PartialCloseLatency   prometheus.Histogram
	StreamLag             *prometheus.GaugeVec // labels: symbol, interval

	// Gap lifecycle (Gap Repository / Backfill Worker / Continuity Scanner)
	GapsDetectedTotal *prometheus.CounterVec // labels: symbol, interval
	GapsMergedTotal   *prometheus.CounterVec // labels: symbol, interval
	GapsRepairedTotal *prometheus.CounterVec // labels: symbol, interval
	GapMTTR           prometheus.Histogram
	OpenGapCount      prometheus.Gauge
	CompletenessRatio *prometheus.GaugeVec // labels: symbol, interval

	// Gap Orchestrator
	OrchestratorQueueDepth prometheus.Gauge

	// Delta API
	DeltaRequestsTotal  *prometheus.CounterVec // labels: route, truncated
	DeltaHandlerLatency *prometheus.HistogramVec

	// Push Hub
	PushEventsTotal  *prometheus.CounterVec // labels: type
	PushDroppedTotal *prometheus.CounterVec // labels: reason
}

// NewMetrics constructs and registers all metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		StreamMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_stream_messages_total",
			Help: "Upstream stream messages received, including partial updates",
		}, []string{"symbol", "interval"}),
		CandlesFinalizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_candles_finalized_total",
			Help: "Finalized candles persisted to the canonical store",
		}, []string{"symbol", "interval"}),
		LateFillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_late_fills_total",
			Help: "Finalized candles arriving for an already-persisted open_time",
		}, []string{"symbol", "interval"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_stream_reconnects_total",
			Help: "Upstream stream reconnect attempts",
		}, []string{"symbol", "interval"}),
		PartialCloseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlcv_partial_close_latency_seconds",
			Help:    "Time from the first partial update of a bucket to its finalize event",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		StreamLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohlcv_stream_lag_seconds",
			Help: "Wall-clock time since the last accepted stream message",
		}, []string{"symbol", "interval"}),

		GapsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_gaps_detected_total",
			Help: "Gap segments opened or extended",
		}, []string{"symbol", "interval"}),
		GapsMergedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_gaps_merged_total",
			Help: "Gap segments merged into an existing open segment rather than inserted new",
		}, []string{"symbol", "interval"}),
		GapsRepairedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_gaps_repaired_total",
			Help: "Gap segments fully recovered by the backfill worker pool",
		}, []string{"symbol", "interval"}),
		GapMTTR: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlcv_gap_mttr_seconds",
			Help:    "Time from gap detection to recovery",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		OpenGapCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_open_gap_count",
			Help: "Gap segments currently open or in_progress across all symbols/intervals",
		}),
		CompletenessRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohlcv_completeness_ratio",
			Help: "Fraction of expected bars present over the scanner's audit horizon",
		}, []string{"symbol", "interval"}),

		OrchestratorQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_orchestrator_queue_depth",
			Help: "Open gap segments currently queued for backfill dispatch",
		}),

		DeltaRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_delta_requests_total",
			Help: "Delta API requests by route and truncation outcome",
		}, []string{"route", "truncated"}),
		DeltaHandlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ohlcv_delta_handler_latency_seconds",
			Help:    "Delta API handler latency by route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route"}),

		PushEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_push_events_total",
			Help: "Envelopes sent to Push Hub subscribers by event type",
		}, []string{"type"}),
		PushDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_push_dropped_total",
			Help: "Subscriber queue drops/disconnects by reason",
		}, []string{"reason"}),
	}

	prometheus.MustRegister(
		m.StreamMessagesTotal,
		m.CandlesFinalizedTotal,
		m.LateFillsTotal,
		m.ReconnectsTotal,
		m.PartialCloseLatency,
		m.StreamLag,
		m.GapsDetectedTotal,
		m.GapsMergedTotal,
		m.GapsRepairedTotal,
		m.GapMTTR,
		m.OpenGapCount,
		m.CompletenessRatio,
		m.OrchestratorQueueDepth,
		m.DeltaRequestsTotal,
		m.DeltaHandlerLatency,
		m.PushEventsTotal,
		m.PushDroppedTotal,
	)

	return m
}

// ObserveGapMTTR records the seconds between detection and recovery. Kept as
// a method so callers (the backfill worker) don't reach into the histogram
// field directly.
func (m *Metrics) ObserveGapMTTR(d time.Duration) {
	m.GapMTTR.Observe(d.Seconds())
}

// ObservePartialClose records partial-to-finalize latency for one bucket.
func (m *Metrics) ObservePartialClose(d time.Duration) {
	m.PartialCloseLatency.Observe(d.Seconds())
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected     bool      `json:"stream_connected"`
	LastMessageTime     time.Time `json:"last_message_time"`
	RedisConnected      bool      `json:"redis_connected"`
	SQLiteOK            bool      `json:"sqlite_ok"`
	OrchestratorLeader  bool      `json:"orchestrator_leader"`
	TrackedPairs        []string  `json:"tracked_pairs"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastMessageTime(t time.Time) {
	h.mu.Lock()
	h.LastMessageTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetOrchestratorLeader(v bool) {
	h.mu.Lock()
	h.OrchestratorLeader = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTrackedPairs(pairs []string) {
	h.mu.Lock()
	h.TrackedPairs = pairs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.StreamConnected || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	msgAge := ""
	if !h.LastMessageTime.IsZero() {
		msgAge = time.Since(h.LastMessageTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status             string   `json:"status"`
		Uptime             string   `json:"uptime"`
		StreamConnected    bool     `json:"stream_connected"`
		LastMessageTime    string   `json:"last_message_time"`
		MessageAge         string   `json:"message_age"`
		RedisConnected     bool     `json:"redis_connected"`
		RedisLatencyMs     float64  `json:"redis_latency_ms"`
		SQLiteOK           bool     `json:"sqlite_ok"`
		SQLiteLatencyMs    float64  `json:"sqlite_latency_ms"`
		OrchestratorLeader bool     `json:"orchestrator_leader"`
		TrackedPairs       []string `json:"tracked_pairs"`
		LastCheckAt        string   `json:"last_check_at"`
	}{
		Status:             overallStatus,
		Uptime:             time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected:    h.StreamConnected,
		LastMessageTime:    h.LastMessageTime.Format(time.RFC3339),
		MessageAge:         msgAge,
		RedisConnected:     h.RedisConnected,
		RedisLatencyMs:     h.RedisLatencyMs,
		SQLiteOK:           h.SQLiteOK,
		SQLiteLatencyMs:    h.SQLiteLatencyMs,
		OrchestratorLeader: h.OrchestratorLeader,
		TrackedPairs:       h.TrackedPairs,
		LastCheckAt:        h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
