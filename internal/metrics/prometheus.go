package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the acquisition run.
var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "records_total",
			Help:      "Processed records by outcome",
		},
		[]string{"outcome"}, // "done" / "failed" / "placeholder" / "dead_letter"
	)

	SourceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "source_calls_total",
			Help:      "Search source calls by result",
		},
		[]string{"source", "status"}, // "ok" / "error" / "circuit_open"
	)

	SourceCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "weaver",
			Name:      "source_call_duration_seconds",
			Help:      "Search source call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"source", "to"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "cache_lookups_total",
			Help:      "Result cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	CandidateRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "candidate_rejections_total",
			Help:      "Rejected download candidates by reason",
		},
		[]string{"reason"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "verifications_total",
			Help:      "Verification gate outcomes (accepted, rejected, error)",
		},
		[]string{"result"},
	)

	BackgroundRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weaver",
			Name:      "background_removals_total",
			Help:      "Background removal outcomes (success, error)",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register registers the weaver collectors with the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RecordsTotal)
		prometheus.MustRegister(SourceCallsTotal)
		prometheus.MustRegister(SourceCallDuration)
		prometheus.MustRegister(BreakerTransitionsTotal)
		prometheus.MustRegister(CacheLookupsTotal)
		prometheus.MustRegister(CandidateRejectionsTotal)
		prometheus.MustRegister(VerificationsTotal)
		prometheus.MustRegister(BackgroundRemovalsTotal)
	})
}
