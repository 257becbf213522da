// Package metrics exposes markergrid's Prometheus instruments on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PassDurationBuckets = []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1}
	HTTPDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
)

type Metrics struct {
	registry *prometheus.Registry

	PassDuration   *prometheus.HistogramVec
	PassClusters   *prometheus.HistogramVec
	Items          *prometheus.GaugeVec
	Mutations      *prometheus.CounterVec
	CacheRequests  *prometheus.CounterVec
	LayersLoaded   prometheus.Gauge
	LayerEvictions *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	FeedMessages *prometheus.CounterVec
}

// New registers every instrument under namespace on a fresh registry,
// together with the Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}),
	)

	m := &Metrics{
		registry: registry,
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of one clustering pass.",
			Buckets:   PassDurationBuckets,
		}, []string{"layer"}),
		PassClusters: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_clusters",
			Help:      "Clusters produced by one clustering pass.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"layer"}),
		Items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_items",
			Help:      "Markers held by a loaded layer.",
		}, []string{"layer"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations applied to layers.",
		}, []string{"layer", "op"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Per-zoom cluster cache lookups.",
		}, []string{"layer", "result"}),
		LayersLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layers_loaded",
			Help:      "Layers currently held in memory.",
		}),
		LayerEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_evictions_total",
			Help:      "Layers dropped from memory.",
		}, []string{"reason"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   HTTPDurationBuckets,
		}, []string{"method", "path"}),
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_total",
			Help:      "Feed messages received.",
		}, []string{"op", "status"}),
	}

	registry.MustRegister(
		m.PassDuration,
		m.PassClusters,
		m.Items,
		m.Mutations,
		m.CacheRequests,
		m.LayersLoaded,
		m.LayerEvictions,
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.FeedMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObservePass(layer string, clusters int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(layer).Observe(elapsed.Seconds())
	m.PassClusters.WithLabelValues(layer).Observe(float64(clusters))
}

func (m *Metrics) SetItems(layer string, n int) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(layer).Set(float64(n))
}

func (m *Metrics) RecordMutation(layer, op string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(layer, op).Inc()
}

func (m *Metrics) RecordCache(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(layer, result).Inc()
}

// SetLayersLoaded records the number of resident layers.
func (m *Metrics) SetLayersLoaded(n int) {
	if m == nil {
		return
	}
	m.LayersLoaded.Set(float64(n))
}

// ForgetLayer drops the per-layer series of a layer leaving memory.
func (m *Metrics) ForgetLayer(layer, reason string) {
	if m == nil {
		return
	}
	m.LayerEvictions.WithLabelValues(reason).Inc()
	m.Items.DeleteLabelValues(layer)
	m.PassDuration.DeleteLabelValues(layer)
	m.PassClusters.DeleteLabelValues(layer)
	m.Mutations.DeletePartialMatch(prometheus.Labels{"layer": layer})
	m.CacheRequests.DeletePartialMatch(prometheus.Labels{"layer": layer})
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFeedMessage(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.FeedMessages.WithLabelValues(op, status).Inc()
}
