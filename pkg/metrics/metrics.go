// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the engine's MetricsSink on a dedicated registry so
// tests and embedders never collide with the global default registerer.
type Recorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	hits         prometheus.Counter
	misses       prometheus.Counter
	staleServed  *prometheus.CounterVec
	upstreamErrs prometheus.Counter
	bypass       prometheus.Counter
	nonCacheable prometheus.Counter
	storageErrs  prometheus.Counter

	cacheSize  prometheus.Gauge
	cacheItems prometheus.Gauge

	requestDuration  prometheus.Histogram
	upstreamDuration prometheus.Histogram
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	r := &Recorder{
		registry: reg,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_hits_total",
			Help: "Responses served from cache while fresh.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_misses_total",
			Help: "Requests that required a synchronous origin fetch.",
		}),
		staleServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cache_stale_served_total",
			Help: "Stale responses served, by reason.",
		}, []string{"reason"}),
		upstreamErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Origin fetches that failed at transport level or with 5xx.",
		}),
		bypass: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bypass_total",
			Help: "Requests that bypassed the cache by method or rule.",
		}),
		nonCacheable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_non_cacheable_total",
			Help: "Origin responses proxied through without storing.",
		}),
		storageErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_storage_errors_total",
			Help: "Transient storage failures treated as misses.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_cache_size_bytes",
			Help: "Bytes currently resident in the cache store.",
		}),
		cacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_cache_items_total",
			Help: "Entries currently resident in the cache store.",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Latency of proxied requests, cache hits included.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_upstream_request_duration_seconds",
			Help:    "Latency of origin exchanges.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	reg.MustRegister(
		r.hits, r.misses, r.staleServed, r.upstreamErrs, r.bypass,
		r.nonCacheable, r.storageErrs, r.cacheSize, r.cacheItems,
		r.requestDuration, r.upstreamDuration,
	)
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler serves the text-format scrape endpoint.
func (r *Recorder) Handler() http.Handler { return r.handler }

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) CacheHit()                { r.hits.Inc() }
func (r *Recorder) CacheMiss()               { r.misses.Inc() }
func (r *Recorder) StaleServed(reason string) { r.staleServed.WithLabelValues(reason).Inc() }
func (r *Recorder) UpstreamError()           { r.upstreamErrs.Inc() }
func (r *Recorder) Bypass()                  { r.bypass.Inc() }
func (r *Recorder) NonCacheable()            { r.nonCacheable.Inc() }
func (r *Recorder) StorageError()            { r.storageErrs.Inc() }

func (r *Recorder) SetCacheFootprint(bytes, items int64) {
	r.cacheSize.Set(float64(bytes))
	r.cacheItems.Set(float64(items))
}

func (r *Recorder) ObserveRequest(d time.Duration)  { r.requestDuration.Observe(d.Seconds()) }
func (r *Recorder) ObserveUpstream(d time.Duration) { r.upstreamDuration.Observe(d.Seconds()) }
