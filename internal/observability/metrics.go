package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roadrover"

// Metrics holds the Prometheus collectors for the detection pipeline.
type Metrics struct {
	BatchesIngested    prometheus.Counter
	SamplesIngested    prometheus.Counter
	EventsCreated      *prometheus.CounterVec // labels: severity
	WindowsSuppressed  prometheus.Counter
	IngestFailures     *prometheus.CounterVec // labels: kind={malformed,storage}
	IngestDuration     prometheus.Histogram
	RecomputeDuration  prometheus.Histogram
	RecomputedEvents   prometheus.Gauge
	HeatmapCacheLookup *prometheus.CounterVec // labels: result={hit,miss,error}
	PublishFailures    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.BatchesIngested,
		m.SamplesIngested,
		m.EventsCreated,
		m.WindowsSuppressed,
		m.IngestFailures,
		m.IngestDuration,
		m.RecomputeDuration,
		m.RecomputedEvents,
		m.HeatmapCacheLookup,
		m.PublishFailures,
	)
	return m
}

// NewMetricsForTesting returns unregistered collectors so tests can build
// as many instances as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		BatchesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_ingested_total",
			Help:      "Sample batches committed to the raw log.",
		}),
		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Raw accelerometer samples committed to the raw log.",
		}),
		EventsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "potholes_created_total",
			Help:      "Pothole events created by live ingestion.",
		}, []string{"severity"}),
		WindowsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_debounced_total",
			Help:      "Classified windows dropped by the debounce gate.",
		}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Rejected or aborted ingest calls by failure kind.",
		}, []string{"kind"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of one ingest transaction.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		RecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Duration of a full recompute from the raw log.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		RecomputedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recompute_events",
			Help:      "Pothole events written by the last recompute.",
		}),
		HeatmapCacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heatmap_cache_lookups_total",
			Help:      "Heatmap cache lookups by result.",
		}, []string{"result"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Detection notifications that could not be published.",
		}),
	}
}
