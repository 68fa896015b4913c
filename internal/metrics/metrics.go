package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizeRuns counts optimization runs by strategy and resulting status.
	OptimizeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimize_runs_total", Help: "Optimization runs by strategy and status."},
		[]string{"strategy", "status"},
	)
	OptimizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimize_duration_seconds", Help: "Wall time of optimization runs.", Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}},
		[]string{"strategy"},
	)
	SearchIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "search_iterations", Help: "Improvement iterations per run.", Buckets: prometheus.ExponentialBuckets(10, 4, 8)},
	)
	UnassignedShipments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "unassigned_shipments_total", Help: "Shipments left unassigned by reason."},
		[]string{"reason"},
	)

	// MatrixRequests counts distance matrices by where they came from.
	MatrixRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "distance_matrix_total", Help: "Distance matrices served by source."},
		[]string{"source"},
	)
	CacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geo_cache_operations_total", Help: "Geo cache lookups by cache and result."},
		[]string{"cache", "result"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "0 closed, 1 open, 2 half-open."},
		[]string{"name"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers every collector on Registry. Safe to call more than once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			OptimizeRuns, OptimizeDuration, SearchIterations, UnassignedShipments,
			MatrixRequests, CacheOps, BreakerState,
			WebhookDeliveries, WebhookLatency,
		)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func RecordMatrix(source string) { MatrixRequests.WithLabelValues(source).Inc() }

func RecordCache(cache, result string) { CacheOps.WithLabelValues(cache, result).Inc() }

func SetBreakerState(name string, state int) { BreakerState.WithLabelValues(name).Set(float64(state)) }

// RecordRun records the outcome of one optimization run.
func RecordRun(strategy, status string, seconds float64, iterations int) {
	OptimizeRuns.WithLabelValues(strategy, status).Inc()
	OptimizeDuration.WithLabelValues(strategy).Observe(seconds)
	SearchIterations.Observe(float64(iterations))
}
