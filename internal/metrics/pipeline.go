package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imgmatch"

// Search outcome label values.
const (
	OutcomeMatches = "completed_matches"
	OutcomeEmpty   = "completed_empty"
	OutcomeFailed  = "failed"
)

// Candidate outcome label values.
const (
	CandidateMatch   = "match"
	CandidateNoMatch = "no_match"
	CandidateSkipped = "skipped"
	CandidateError   = "error"
)

// Pipeline Prometheus metrics.
var (
	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	SearchRunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "search_runs_in_flight",
			Help:      "Search runs currently executing",
		},
	)

	CandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Evaluated candidates by outcome",
		},
		[]string{"outcome"},
	)

	CandidatesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates_in_flight",
			Help:      "Candidates currently being evaluated",
		},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Search provider calls by provider and status",
		},
		[]string{"provider", "status"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Search provider call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	ComparatorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "comparator_duration_seconds",
			Help:      "Similarity comparator call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"driver", "status"},
	)

	ArtifactCleanupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_cleanup_failures_total",
			Help:      "Transient artifacts that could not be deleted",
		},
	)

	ImageCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_cache_total",
			Help:      "Normalized image cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	StatusWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_write_failures_total",
			Help:      "Status writes dropped after retries",
		},
	)
)

var registerOnce sync.Once

// RegisterPipelineMetrics registers pipeline metrics. Safe to call more than once.
func RegisterPipelineMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SearchRequestsTotal,
			SearchRunsInFlight,
			CandidatesTotal,
			CandidatesInFlight,
			ProviderRequestsTotal,
			ProviderRequestDuration,
			ComparatorDuration,
			ArtifactCleanupFailuresTotal,
			ImageCacheTotal,
			StatusWriteFailuresTotal,
		)
	})
}
