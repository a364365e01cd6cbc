package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archzero",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archzero",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sagaOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archzero",
			Subsystem: "saga",
			Name:      "operations_total",
			Help:      "Dual-write calls by terminal state.",
		},
		[]string{"op", "entity", "outcome"},
	)
	sagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archzero",
			Subsystem: "saga",
			Name:      "step_duration_seconds",
			Help:      "Duration of the primary, mirror and compensation steps.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "step"},
	)
	reconcileDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "archzero",
			Subsystem: "reconcile",
			Name:      "drift_items",
			Help:      "Drift found by the last reconcile check.",
		},
		[]string{"category"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sagaOperations, sagaStepDuration, reconcileDrift)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// Recorder feeds orchestrator and reconciler events into prometheus.
type Recorder struct{}

func NewRecorder() Recorder {
	RegisterMetrics()
	return Recorder{}
}

func (Recorder) ObserveOperation(op, entity, outcome string) {
	sagaOperations.WithLabelValues(op, entity, outcome).Inc()
}

func (Recorder) ObserveStep(op, step string, d time.Duration) {
	sagaStepDuration.WithLabelValues(op, step).Observe(d.Seconds())
}

func (Recorder) ObserveDrift(category string, n int) {
	reconcileDrift.WithLabelValues(category).Set(float64(n))
}
