package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spacesaver",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	StatePersistsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "state_persists_total",
		Help:      "Total successful writes of the state document.",
	})

	StatePersistErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "state_persist_errors_total",
		Help:      "Total failed writes of the state document.",
	})

	StateDocumentBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spacesaver",
		Name:      "state_document_bytes",
		Help:      "Size of the state document as last persisted.",
	})

	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "claims_total",
		Help:      "Total claim attempts by outcome (claimed or empty).",
	}, []string{"outcome"})

	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "jobs_completed_total",
		Help:      "Total jobs reported complete.",
	})

	JobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "jobs_failed_total",
		Help:      "Total jobs reported failed, including stale marks.",
	})

	StaleJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "stale_jobs_total",
		Help:      "Total jobs failed by stale-job reconciliation.",
	})

	JobsPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "jobs_pruned_total",
		Help:      "Total finished jobs removed by history pruning.",
	})

	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "scans_total",
		Help:      "Total entry scans started.",
	})

	ScanFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "scan_files_total",
		Help:      "Total media files visited by scans.",
	})

	ProbesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "probes_total",
		Help:      "Total ffprobe invocations.",
	})

	ProbeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "probe_failures_total",
		Help:      "Total ffprobe invocations that returned no metadata.",
	})

	ProbeCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "probe_cache_hits_total",
		Help:      "Total probe results served from cache.",
	})

	ProbeCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "probe_cache_misses_total",
		Help:      "Total probe cache lookups that missed.",
	})

	WSClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spacesaver",
		Name:      "ws_clients_connected",
		Help:      "Number of currently connected state feed clients.",
	})

	WSBroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spacesaver",
		Name:      "ws_broadcasts_total",
		Help:      "Total state feed snapshots broadcast.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		StatePersistsTotal,
		StatePersistErrorsTotal,
		StateDocumentBytes,
		ClaimsTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		StaleJobsTotal,
		JobsPrunedTotal,
		ScansTotal,
		ScanFilesTotal,
		ProbesTotal,
		ProbeFailuresTotal,
		ProbeCacheHitsTotal,
		ProbeCacheMissesTotal,
		WSClientsConnected,
		WSBroadcastsTotal,
	)
}
