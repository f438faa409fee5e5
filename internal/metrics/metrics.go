// Package metrics provides Prometheus instrumentation for the raffle engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StakesTotal counts accepted deposits, partitioned by round and the
	// admission rule that accepted them.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_stakes_total",
		Help: "Total number of accepted deposits",
	}, []string{"round", "rule"})

	// ClaimsTotal counts settled claims by outcome (winner, principal, noop).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_claims_total",
		Help: "Total number of settled claims",
	}, []string{"outcome"})

	// PayoutsTotal accumulates amounts paid out per asset.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_payouts_total",
		Help: "Cumulative amount paid to claimants",
	}, []string{"asset"})

	// RandomnessRequests counts requests sent to the coordinator by trigger
	// (auto, manual) and result.
	RandomnessRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_randomness_requests_total",
		Help: "Randomness requests sent to the coordinator",
	}, []string{"trigger", "result"})

	// RandomnessFulfillments counts callbacks by result.
	RandomnessFulfillments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_randomness_fulfillments_total",
		Help: "Randomness fulfillments received",
	}, []string{"result"})

	// OutstandingRequests tracks requests awaiting a callback.
	OutstandingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raffle_outstanding_requests",
		Help: "Randomness requests awaiting fulfillment",
	})

	// WinnersTotal counts winners selected.
	WinnersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_winners_total",
		Help: "Winners selected",
	})

	// ResolvedRounds tracks how many rounds have been drawn.
	ResolvedRounds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raffle_resolved_rounds",
		Help: "Number of rounds drawn",
	})

	// Rejections counts refused engine calls by operation and error class.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_rejections_total",
		Help: "Engine calls rejected, by operation and error class",
	}, []string{"op", "class"})

	// OperationLatency tracks engine call latency by operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "raffle_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raffle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ArchiveWrites counts snapshot uploads by outcome.
	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_archive_writes_total",
		Help: "Draw snapshots written to the archive bucket",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "raffle_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
