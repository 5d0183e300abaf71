package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	CommandsTotal     *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
	LedgerAppends     prometheus.Counter

	ExportClaims     prometheus.Counter
	ExportFailures   *prometheus.CounterVec
	ExportJobsActive *prometheus.GaugeVec
	ExportBuildTime  prometheus.Histogram

	VerifyResults *prometheus.CounterVec

	SignalsPublished prometheus.Counter
	SignalsThrottled prometheus.Counter

	ProjectionCacheHits   prometheus.Counter
	ProjectionCacheMisses prometheus.Counter

	RequestLatency *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "girder_commands_total",
			Help: "Commands executed, labeled by event name and outcome",
		}, []string{"event", "outcome"}),
		IdempotentReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_idempotent_replays_total",
			Help: "Commands short-circuited by an idempotency key hit",
		}),
		LedgerAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_ledger_appends_total",
			Help: "Ledger entries appended",
		}),
		ExportClaims: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_export_claims_total",
			Help: "Export jobs exclusively claimed by a worker",
		}),
		ExportFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "girder_export_failures_total",
			Help: "Export attempt failures, labeled transient or poisoned",
		}, []string{"kind"}),
		ExportJobsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "girder_export_jobs",
			Help: "Export jobs by state, refreshed by the sweeper",
		}, []string{"state"}),
		ExportBuildTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "girder_export_build_seconds",
			Help:    "Wall time spent building one export payload",
			Buckets: prometheus.DefBuckets,
		}),
		VerifyResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "girder_verify_results_total",
			Help: "Public verification outcomes",
		}, []string{"result"}),
		SignalsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_signals_published_total",
			Help: "Realtime ledger signals published to Kafka",
		}),
		SignalsThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_signals_throttled_total",
			Help: "Realtime signals dropped by the per-org rate limit",
		}),
		ProjectionCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_projection_cache_hits_total",
			Help: "Projection reads served from cache",
		}),
		ProjectionCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "girder_projection_cache_misses_total",
			Help: "Projection reads recomputed from the ledger",
		}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "girder_http_request_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
