package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the server exports. Collectors are
// registered on the registry passed to NewMetrics so tests can use a fresh
// one.
type Metrics struct {
	LedgerOperations   *prometheus.CounterVec
	LedgerLatency      *prometheus.HistogramVec
	ReplayLength       prometheus.Histogram
	AuditViolations    *prometheus.GaugeVec
	AuditRuns          prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger mutations by operation and outcome",
		}, []string{"op", "outcome"}),

		LedgerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Time spent in a ledger mutation, lock wait included",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		ReplayLength: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_replay_transactions",
			Help:    "Number of later transactions replayed by a committed mutation",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}),

		AuditViolations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_audit_violations",
			Help: "Violations found by the last audit, per product",
		}, []string{"product_id"}),

		AuditRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_audit_runs_total",
			Help: "Completed audit sweeps",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_published_total",
			Help: "Ledger events handed to the broker by result",
		}, []string{"result"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// ObserveOperation records one ledger mutation. Replay length is only
// recorded for committed mutations.
func (m *Metrics) ObserveOperation(op, outcome string, replayed int, elapsed time.Duration) {
	m.LedgerOperations.WithLabelValues(op, outcome).Inc()
	m.LedgerLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	if outcome == "ok" {
		m.ReplayLength.Observe(float64(replayed))
	}
}
