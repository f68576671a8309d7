// Package metrics defines the Prometheus metric collectors used across the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the value index and its query
// service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	LookupsTotal         *prometheus.CounterVec
	LookupDuration       prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	BatchOpsTotal        *prometheus.CounterVec
	BatchDuration        *prometheus.HistogramVec
	IndexKeys            *prometheus.GaugeVec
	HeapBytes            *prometheus.GaugeVec
	DeadHeapBytes        *prometheus.GaugeVec
	RebuildsTotal        prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_lookups_total",
				Help: "Total index lookups by result type (hit, miss).",
			},
			[]string{"result_type"},
		),
		LookupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_lookup_duration_seconds",
				Help:    "Index lookup latency in seconds.",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_cache_hits_total",
				Help: "Lookups answered from the in-memory posting cache.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_cache_misses_total",
				Help: "Lookups that fell back to binary search on disk.",
			},
		),
		BatchOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_batch_operations_total",
				Help: "Total batch mutations by operation (add, delete, replace).",
			},
			[]string{"operation"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_batch_duration_seconds",
				Help:    "Batch mutation latency in seconds.",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		IndexKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_keys",
				Help: "Number of distinct keys per index.",
			},
			[]string{"kind"},
		),
		HeapBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_heap_bytes",
				Help: "Size of the posting heap file per index.",
			},
			[]string{"kind"},
		),
		DeadHeapBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_dead_heap_bytes",
				Help: "Heap bytes abandoned by superseding appends since open.",
			},
			[]string{"kind"},
		),
		RebuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_rebuilds_total",
				Help: "Full index rebuilds triggered by fragmentation.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.LookupsTotal,
		m.LookupDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.BatchOpsTotal,
		m.BatchDuration,
		m.IndexKeys,
		m.HeapBytes,
		m.DeadHeapBytes,
		m.RebuildsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
