// Package metrics provides Prometheus instrumentation for the wager engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts bets placed, partitioned by option.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bets_total",
		Help: "Total number of bets placed",
	}, []string{"option"})

	// BetRejections counts placement attempts rejected by a business rule.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bet_rejections_total",
		Help: "Bets rejected, by reason",
	}, []string{"reason"})

	// StakeVolume tracks cumulative stake per option.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_stake_volume_total",
		Help: "Cumulative stake placed",
	}, []string{"option"})

	// BetLatency tracks placement latency, transaction included.
	BetLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wager_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementsTotal counts resolved markets by outcome (A, B, refunded).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_settlements_total",
		Help: "Total number of markets settled",
	}, []string{"outcome"})

	// SettlementLatency tracks settlement latency, transaction included.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wager_settlement_latency_seconds",
		Help:    "Market settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FeesCollected tracks fees credited, partitioned by recipient (house, creator).
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_fees_collected_total",
		Help: "Cumulative fees credited",
	}, []string{"recipient"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FanoutFailures counts post-commit side effects that failed, by sink.
	FanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_fanout_failures_total",
		Help: "Post-commit notifications that failed",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
