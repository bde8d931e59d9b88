// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing, which keeps unit tests terse.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Eviction reasons.
const (
	ReasonExpired      = "expired"
	ReasonInconsistent = "inconsistent"
	ReasonExplicit     = "explicit"
)

// Lookup outcomes.
const (
	LookupHit          = "hit"
	LookupInvalid      = "invalid"
	LookupMissing      = "missing"
	LookupExpired      = "expired"
	LookupInconsistent = "inconsistent"
	LookupError        = "error"
)

// Metrics holds application metrics
type Metrics struct {
	gatherer prometheus.Gatherer

	filesCreated     prometheus.Counter
	liveFiles        prometheus.Gauge
	uploadsRejected  *prometheus.CounterVec
	lookups          *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	downloads        prometheus.Counter
	downloadBytes    prometheus.Counter
	accountingErrors prometheus.Counter
	sweepRuns        prometheus.Counter
	sweepErrors      prometheus.Counter
	sweepDuration    prometheus.Histogram
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New registers the relay collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from each other.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		filesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_files_created_total",
			Help: "Total number of file records created",
		}),
		liveFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_registry_records",
			Help: "Records currently held by the registry",
		}),
		uploadsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_uploads_rejected_total",
			Help: "Uploads rejected by the sanitizer, by reason",
		}, []string{"reason"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registry_lookups_total",
			Help: "Registry lookups by outcome",
		}, []string{"outcome"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registry_evictions_total",
			Help: "Records evicted from the registry, by reason",
		}, []string{"reason"}),
		downloads: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_downloads_total",
			Help: "Total number of completed downloads",
		}),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_download_bytes_total",
			Help: "Bytes streamed to downloaders",
		}),
		accountingErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_download_accounting_errors_total",
			Help: "Download counter writes that failed to persist",
		}),
		sweepRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_runs_total",
			Help: "Reaper sweep runs",
		}),
		sweepErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_errors_total",
			Help: "Reaper sweeps that returned an error or panicked",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_sweep_duration_seconds",
			Help:    "Duration of reaper sweeps",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordCreate records a new file record.
func (m *Metrics) RecordCreate() {
	if m == nil {
		return
	}
	m.filesCreated.Inc()
}

// SetRecords sets the number of records held by the registry.
func (m *Metrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.liveFiles.Set(float64(n))
}

// RecordRejection records an upload rejected by the sanitizer.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.uploadsRejected.WithLabelValues(reason).Inc()
}

// RecordLookup records the outcome of a registry lookup.
func (m *Metrics) RecordLookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// RecordEviction records one evicted record.
func (m *Metrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// RecordDownload records a successful download
func (m *Metrics) RecordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.downloads.Inc()
	m.downloadBytes.Add(float64(bytes))
}

// RecordAccountingError records a download counter that could not be persisted.
func (m *Metrics) RecordAccountingError() {
	if m == nil {
		return
	}
	m.accountingErrors.Inc()
}

// RecordSweep records a reaper run.
func (m *Metrics) RecordSweep(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepDuration.Observe(d.Seconds())
	if failed {
		m.sweepErrors.Inc()
	}
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(method string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Evictions exposes the eviction counter for assertions in tests.
func (m *Metrics) Evictions() *prometheus.CounterVec {
	return m.evictions
}

// Lookups exposes the lookup counter for assertions in tests.
func (m *Metrics) Lookups() *prometheus.CounterVec {
	return m.lookups
}

// UploadsRejected exposes the sanitizer rejection counter for assertions in tests.
func (m *Metrics) UploadsRejected() *prometheus.CounterVec {
	return m.uploadsRejected
}

// SweepErrors exposes the failed sweep counter for assertions in tests.
func (m *Metrics) SweepErrors() prometheus.Counter {
	return m.sweepErrors
}
