package telemetry

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "queryowl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "queryowl",
		Subsystem: "executions",
		Name:      "total",
		Help:      "Total number of finished executions by kind and status.",
	},
	[]string{"kind", "status"},
)

var ExecutionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "queryowl",
		Subsystem: "executions",
		Name:      "active",
		Help:      "Number of executions currently running on this replica.",
	},
)

var StatementDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "queryowl",
		Subsystem: "sql",
		Name:      "statement_duration_seconds",
		Help:      "Per-statement execution duration in seconds.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 60, 300},
	},
	[]string{"cloud"},
)

var StatementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "queryowl",
		Subsystem: "sql",
		Name:      "statements_total",
		Help:      "Total number of SQL statements dispatched by outcome.",
	},
	[]string{"cloud", "outcome"},
)

var ScanKeysFoundTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "queryowl",
		Subsystem: "kv",
		Name:      "scan_keys_found_total",
		Help:      "Total number of keys matched by SCAN runs.",
	},
	[]string{"cloud"},
)

var ScanKeysDeletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "queryowl",
		Subsystem: "kv",
		Name:      "scan_keys_deleted_total",
		Help:      "Total number of keys removed by SCAN delete runs.",
	},
	[]string{"cloud"},
)

var PolicyDenialsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "queryowl",
		Subsystem: "policy",
		Name:      "denials_total",
		Help:      "Total number of submissions denied by the policy engine.",
	},
	[]string{"kind", "reason"},
)

var PoolEvictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "queryowl",
		Subsystem: "registry",
		Name:      "pool_evictions_total",
		Help:      "Total number of connection handles evicted after repeated failures.",
	},
	[]string{"cloud"},
)

// All returns all QueryOwl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ExecutionsTotal,
		ExecutionsActive,
		StatementDuration,
		StatementsTotal,
		ScanKeysFoundTotal,
		ScanKeysDeletedTotal,
		PolicyDenialsTotal,
		PoolEvictionsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with the given
// application collectors registered.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	return reg
}
