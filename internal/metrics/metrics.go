// Package metrics holds the Prometheus instrumentation for the ingest
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter and histogram the pollers emit.
type Metrics struct {
	PagesFetched       *prometheus.CounterVec
	RequestsSeen       *prometheus.CounterVec
	RequestsClassified *prometheus.CounterVec
	Evictions          *prometheus.CounterVec
	CycleErrors        *prometheus.CounterVec
	ClassifyCalls      *prometheus.CounterVec
	ClassifyDuration   *prometheus.HistogramVec
}

// New creates and registers all pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_pages_fetched_total",
				Help: "Upstream pages fetched per city",
			},
			[]string{"city"},
		),
		RequestsSeen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_requests_seen_total",
				Help: "Raw requests observed on upstream pages",
			},
			[]string{"city"},
		),
		RequestsClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_requests_classified_total",
				Help: "New requests classified and cached",
			},
			[]string{"city"},
		),
		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_evictions_total",
				Help: "Records evicted after disappearing upstream",
			},
			[]string{"city"},
		),
		CycleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_cycle_errors_total",
				Help: "Poll cycles aborted by an error",
			},
			[]string{"city", "stage"}, // stage: fetch, classify, store
		),
		ClassifyCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_classify_calls_total",
				Help: "Classifier batch calls by outcome",
			},
			[]string{"city", "outcome"}, // outcome: ok, error
		),
		ClassifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_classify_duration_seconds",
				Help:    "Latency of one classifier batch call",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"city"},
		),
	}
}
