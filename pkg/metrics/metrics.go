// Package metrics provides Prometheus metrics for fern runs.
package metrics

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TextfileName is the metrics dump written to the output directory.
const TextfileName = "metrics.prom"

// Registry holds every fern metric. It is served by the status server and
// dumped to the textfile at the end of a run.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// RecordsTotal tracks resolved records by category and final state
	RecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "records_total",
			Help:      "Total number of records resolved by category and state",
		},
		[]string{"category", "state"},
	)

	// CanonicalsCreated tracks new canonical groups
	CanonicalsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "canonicals_created_total",
			Help:      "Total number of canonical entities created",
		},
		[]string{"category"},
	)

	// MergesTotal tracks canonical groups absorbed into another
	MergesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "merges_total",
			Help:      "Total number of canonical entities absorbed by a merge",
		},
		[]string{"category"},
	)

	// StoreAttempts tracks how many attempts each committed record needed
	StoreAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "store_attempts",
			Help:      "Mapping store attempts per resolved record",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"category"},
	)

	// FilesTotal tracks source files by outcome
	FilesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of source files by outcome",
		},
		[]string{"status"},
	)

	// EnrichmentLookups tracks enrichment lookups by outcome
	EnrichmentLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "enrichment",
			Name:      "lookups_total",
			Help:      "Total number of enrichment lookups by outcome",
		},
		[]string{"outcome"},
	)

	// RuleDuration tracks inference rule execution time
	RuleDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "inference",
			Name:      "rule_duration_seconds",
			Help:      "Duration of inference rule evaluation in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"rule"},
	)

	// InferredTotal tracks inference candidates by rule and outcome
	InferredTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "inference",
			Name:      "candidates_total",
			Help:      "Total number of inference candidates by rule and outcome",
		},
		[]string{"rule", "outcome"},
	)

	// ErrorsTotal tracks summary errors by kind
	ErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "errors_total",
			Help:      "Total number of recorded errors by kind",
		},
		[]string{"kind"},
	)

	// EventsPublished tracks change events sent to Kafka
	EventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "events_published_total",
			Help:      "Total number of change events published",
		},
		[]string{"event_type", "status"},
	)

	// RunDuration tracks the duration of the last run
	RunDuration = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run in seconds",
		},
		[]string{"command"},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
}

// RecordResolution records one resolved record.
func RecordResolution(category, state string, created bool, absorbed, attempts int) {
	RecordsTotal.WithLabelValues(category, state).Inc()
	if created {
		CanonicalsCreated.WithLabelValues(category).Inc()
	}
	if absorbed > 0 {
		MergesTotal.WithLabelValues(category).Add(float64(absorbed))
	}
	if attempts > 0 {
		StoreAttempts.WithLabelValues(category).Observe(float64(attempts))
	}
}

// RecordFile records one source file outcome: processed, unchanged or failed.
func RecordFile(status string) {
	FilesTotal.WithLabelValues(status).Inc()
}

// RecordRule records one evaluated rule.
func RecordRule(rule string, durationSeconds float64, filtered, belowThreshold, groundTruth, emitted int) {
	RuleDuration.WithLabelValues(rule).Observe(durationSeconds)
	InferredTotal.WithLabelValues(rule, "filtered").Add(float64(filtered))
	InferredTotal.WithLabelValues(rule, "below_threshold").Add(float64(belowThreshold))
	InferredTotal.WithLabelValues(rule, "ground_truth").Add(float64(groundTruth))
	InferredTotal.WithLabelValues(rule, "emitted").Add(float64(emitted))
}

// RecordEnrichment adds a run's enrichment counters.
func RecordEnrichment(lookups, cacheHits, requests, failures int64) {
	EnrichmentLookups.WithLabelValues("lookup").Add(float64(lookups))
	EnrichmentLookups.WithLabelValues("cache_hit").Add(float64(cacheHits))
	EnrichmentLookups.WithLabelValues("request").Add(float64(requests))
	EnrichmentLookups.WithLabelValues("failure").Add(float64(failures))
}

// RecordError records one summary error.
func RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordEvent records one change event publish.
func RecordEvent(eventType, status string) {
	EventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordRun records the duration of a finished command.
func RecordRun(command string, durationSeconds float64) {
	RunDuration.WithLabelValues(command).Set(durationSeconds)
}

// WriteTextfile dumps the registry in the Prometheus text format to
// dir/metrics.prom.
func WriteTextfile(dir string) error {
	return prometheus.WriteToTextfile(filepath.Join(dir, TextfileName), Registry)
}
