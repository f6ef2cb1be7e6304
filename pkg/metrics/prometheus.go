package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide container of Prometheus collectors for the
// caching proxy: one set for the request pipeline, one for the cache
// backend, one for the service registry, plus the generic service-info
// gauge every deployment scrapes for version/environment labels.
type Metrics struct {
	// Pipeline metrics (section 4.5's Received -> ... -> Done path).
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Cache metrics (section 4.5.2/4.5.5).
	CacheHitsTotal        *prometheus.CounterVec
	CacheMissesTotal      *prometheus.CounterVec
	CacheStoreErrorsTotal *prometheus.CounterVec

	// Registry/discovery metrics (section 4.4).
	BackendPoolSize   *prometheus.GaugeVec
	ServiceGeneration *prometheus.GaugeVec

	// Information about the running process.
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics registers the proxy's collectors under namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of proxied gRPC requests",
			},
			[]string{"service", "method", "outcome"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of proxied gRPC requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method"},
		),

		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being proxied",
			},
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_hits_total",
				Help:      "Total number of cache lookups that hit",
			},
			[]string{"service", "method"},
		),

		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_misses_total",
				Help:      "Total number of cache lookups that missed",
			},
			[]string{"service", "method"},
		),

		CacheStoreErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_store_errors_total",
				Help:      "Total number of failed cache writes",
			},
			[]string{"service", "method"},
		),

		BackendPoolSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "backend_pool_size",
				Help:      "Current number of live backends in a discovery target's set",
			},
			[]string{"target"},
		),

		ServiceGeneration: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_generation",
				Help:      "Generation number of the last applied ServiceData for a service",
			},
			[]string{"service"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics, initializing a default instance on
// first use.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("grcache", "")
	}
	return defaultMetrics
}

// RecordRequest records one completed proxy request.
func (m *Metrics) RecordRequest(service, method, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, outcome).Inc()
	m.RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordCacheHit records a cache lookup that hit.
func (m *Metrics) RecordCacheHit(service, method string) {
	m.CacheHitsTotal.WithLabelValues(service, method).Inc()
}

// RecordCacheMiss records a cache lookup that missed.
func (m *Metrics) RecordCacheMiss(service, method string) {
	m.CacheMissesTotal.WithLabelValues(service, method).Inc()
}

// RecordCacheStoreError records a failed attempt to store a miss.
func (m *Metrics) RecordCacheStoreError(service, method string) {
	m.CacheStoreErrorsTotal.WithLabelValues(service, method).Inc()
}

// SetBackendPoolSize reports the current live-backend count for a
// discovery target (host:port).
func (m *Metrics) SetBackendPoolSize(target string, size int) {
	m.BackendPoolSize.WithLabelValues(target).Set(float64(size))
}

// SetServiceGeneration reports the generation number last applied for a
// service name.
func (m *Metrics) SetServiceGeneration(service string, generation uint64) {
	m.ServiceGeneration.WithLabelValues(service).Set(float64(generation))
}

// SetServiceInfo sets the service_info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// PipelineRecorder adapts Metrics to internal/proxy.Pipeline's Metrics
// interface without internal/proxy needing to import this package.
type PipelineRecorder struct {
	m *Metrics
}

// NewPipelineRecorder builds a PipelineRecorder over m.
func NewPipelineRecorder(m *Metrics) *PipelineRecorder {
	return &PipelineRecorder{m: m}
}

func (p *PipelineRecorder) RecordRequest(service, method, outcome string, duration time.Duration) {
	p.m.RecordRequest(service, method, outcome, duration)
}

func (p *PipelineRecorder) RecordCacheHit(service, method string) {
	p.m.RecordCacheHit(service, method)
}

func (p *PipelineRecorder) RecordCacheMiss(service, method string) {
	p.m.RecordCacheMiss(service, method)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer runs a standalone metrics+health HTTP server. Unused
// by cmd/grcache, which mounts Handler() alongside /readyz on one server
// instead, but kept for deployments that want metrics on a separate port.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
