// Package metrics defines the Prometheus collectors for tree building,
// quantization, indexing and recognition queries, and exposes an HTTP
// handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the visual search stack.
type Metrics struct {
	DescriptorsQuantized prometheus.Counter
	ObjectsIndexed       prometheus.Counter
	IndexedObjects       prometheus.Gauge
	VisualWords          prometheus.Gauge
	QueryLatency         *prometheus.HistogramVec
	QueryResults         prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	TreeBuildDuration    prometheus.Histogram
	TreeLeaves           prometheus.Gauge
	FramesConsumed       *prometheus.CounterVec
}

// New creates all collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DescriptorsQuantized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vocabtree_descriptors_quantized_total",
				Help: "Total descriptors quantized into visual words.",
			},
		),
		ObjectsIndexed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "visualdb_objects_indexed_total",
				Help: "Total objects added to the inverted index.",
			},
		),
		IndexedObjects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "visualdb_indexed_objects",
				Help: "Number of objects currently in the inverted index.",
			},
		),
		VisualWords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "visualdb_visual_words",
				Help: "Number of visual words with at least one posting.",
			},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visualdb_query_latency_seconds",
				Help:    "Recognition query latency in seconds by scoring mode.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"mode"},
		),
		QueryResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "visualdb_query_results_count",
				Help:    "Number of matches returned per recognition query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "visualdb_query_cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "visualdb_query_cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		TreeBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vocabtree_build_duration_seconds",
				Help:    "Vocabulary tree build duration in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		TreeLeaves: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vocabtree_leaves",
				Help: "Number of leaves (visual words) in the loaded tree.",
			},
		),
		FramesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_events_total",
				Help: "Total frame-stream events consumed by type and status.",
			},
			[]string{"type", "status"},
		),
	}

	reg.MustRegister(
		m.DescriptorsQuantized,
		m.ObjectsIndexed,
		m.IndexedObjects,
		m.VisualWords,
		m.QueryLatency,
		m.QueryResults,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.TreeBuildDuration,
		m.TreeLeaves,
		m.FramesConsumed,
	)

	return m
}

// Handler returns the scrape handler for g. A nil g serves the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
