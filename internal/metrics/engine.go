// Package metrics holds the Prometheus collectors of the face engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "face_engine"

// Engine metrics.
var (
	PropagationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_failures_total",
			Help:      "Index payload propagations that failed after commit and were queued",
		},
		[]string{"kind"},
	)

	ReconcileDivergences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_divergences_total",
			Help:      "Payload divergences found by reconciliation",
		},
		[]string{"field"},
	)

	Conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Revision conflicts by entity",
		},
		[]string{"entity"},
	)

	CentroidBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "centroid_builds_total",
			Help:      "Centroid builds by outcome",
		},
		[]string{"outcome"}, // promoted / skipped / insufficient / failed / lost_race
	)

	ClusteringDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clustering_duration_seconds",
			Help:      "Duration of clustering runs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"algorithm"},
	)

	IndexErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_errors_total",
			Help:      "Embedding index request errors by operation",
		},
		[]string{"op"},
	)

	SuggestionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_created_total",
			Help:      "Pending suggestions created",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Background jobs by type and terminal status",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		PropagationFailures,
		ReconcileDivergences,
		Conflicts,
		CentroidBuilds,
		ClusteringDuration,
		IndexErrors,
		SuggestionsCreated,
		JobsFinished,
	)
}
