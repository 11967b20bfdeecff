// Package metrics exposes gateway counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is prepended to every metric name.
const Namespace = "rpcgate"

// ResultOK labels successful upstream calls.
const ResultOK = "ok"

// Collector holds every gateway metric in its own registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	CacheEntries   prometheus.Gauge
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	Requests        *prometheus.CounterVec
	UpstreamCalls   *prometheus.CounterVec
	BatchSize       prometheus.Histogram
	Deduplicated    prometheus.Counter
	RateLimited     *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

// New creates a collector with all metrics registered, plus the Go and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cache_entries_amount",
			Help:      "Total number of entries in the cache.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_hits_total",
			Help:      "Number of successfully found keys in the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_misses_total",
			Help:      "Number of not found keys in cache.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_evictions_total",
			Help:      "Number of evicted entries.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Caller requests by method and how they were served.",
		}, []string{"method", "source"}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream HTTP calls by credential and result class.",
		}, []string{"credential", "result"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_size",
			Help:      "Envelopes per flushed batch.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		Deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deduplicated_total",
			Help:      "Callers attached to an identical in-flight call.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limited_total",
			Help:      "Requests held back by a local limiter.",
		}, []string{"limiter", "result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Envelopes waiting for dispatch.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Caller-observed request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	c.registry.MustRegister(
		c.CacheEntries,
		c.CacheHits,
		c.CacheMisses,
		c.CacheEvictions,
		c.Requests,
		c.UpstreamCalls,
		c.BatchSize,
		c.Deduplicated,
		c.RateLimited,
		c.QueueDepth,
		c.RequestDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetAmount sets the total number of entries in the cache.
func (c *Collector) SetAmount(n int) {
	if c == nil {
		return
	}
	c.CacheEntries.Set(float64(n))
}

// IncHits increments the total number of successfully found keys in the cache.
func (c *Collector) IncHits() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

// IncMisses increments the total number of not found keys in the cache.
func (c *Collector) IncMisses() {
	if c == nil {
		return
	}
	c.CacheMisses.Inc()
}

// AddEvictions increments the total number of evicted entries.
func (c *Collector) AddEvictions(n int) {
	if c == nil {
		return
	}
	c.CacheEvictions.Add(float64(n))
}

// ObserveBatch records the size of a flushed batch.
func (c *Collector) ObserveBatch(size int) {
	if c == nil {
		return
	}
	c.BatchSize.Observe(float64(size))
}

// ObserveUpstream counts one upstream call. result is ResultOK or a failure class.
func (c *Collector) ObserveUpstream(credential, result string) {
	if c == nil {
		return
	}
	c.UpstreamCalls.WithLabelValues(credential, result).Inc()
}

// ObserveRequest counts one caller request served from source.
func (c *Collector) ObserveRequest(method, source string, seconds float64) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(method, source).Inc()
	c.RequestDuration.WithLabelValues(source).Observe(seconds)
}

// IncDeduplicated counts a caller that attached to an in-flight call.
func (c *Collector) IncDeduplicated() {
	if c == nil {
		return
	}
	c.Deduplicated.Inc()
}

// IncRateLimited counts a limiter verdict other than allowed.
func (c *Collector) IncRateLimited(limiter, result string) {
	if c == nil {
		return
	}
	c.RateLimited.WithLabelValues(limiter, result).Inc()
}

// SetQueueDepth reports the number of envelopes waiting for dispatch.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}
