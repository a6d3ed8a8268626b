// Package metrics exposes the engine's Prometheus families. Recording is a
// no-op until InitPrometheus runs, so library users who never scrape pay
// nothing and tests need no setup.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds the engine's metric families on a private
// registry so the scrape surface stays ours alone.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	layerLookupsTotal *prometheus.CounterVec
	promotionsTotal   *prometheus.CounterVec
	writeQueueDepth   prometheus.Gauge
	writeQueueEvents  *prometheus.CounterVec
	backplaneMessages *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// defaultBuckets covers cache operation latencies in milliseconds, from
// sub-millisecond memory hits to slow durable round trips.
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

// InitPrometheus sets up the metric families. namespace defaults to
// "methodcache"; buckets default to defaultBuckets.
func InitPrometheus(namespace string, buckets []float64) {
	if namespace == "" {
		namespace = "methodcache"
	}
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &PrometheusMetrics{registry: registry}

	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Engine operations by kind and result",
	}, []string{"op", "result"})

	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_milliseconds",
		Help:      "Engine operation duration in milliseconds",
		Buckets:   buckets,
	}, []string{"op"})

	m.layerLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_lookups_total",
		Help:      "Per-layer lookup outcomes (hit or miss); unhandled lookups are not counted",
	}, []string{"layer", "outcome"})

	m.promotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "promotions_total",
		Help:      "Entries copied into a faster layer after a slower-layer hit",
	}, []string{"layer"})

	m.writeQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "write_queue_depth",
		Help:      "Deferred writes admitted but not yet applied",
	})

	m.writeQueueEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_queue_events_total",
		Help:      "Write queue lifecycle events by layer",
	}, []string{"layer", "event"})

	m.backplaneMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backplane_messages_total",
		Help:      "Invalidation messages by direction and kind",
	}, []string{"direction", "kind"})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state per layer (0 closed, 1 half-open, 2 open)",
	}, []string{"layer"})

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since process start",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.layerLookupsTotal,
		m.promotionsTotal,
		m.writeQueueDepth,
		m.writeQueueEvents,
		m.backplaneMessages,
		m.breakerState,
		uptime,
	)

	promMetrics = m
}

// RecordOperation records one engine operation with its duration.
func RecordOperation(op, result string, elapsed time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.operationsTotal.WithLabelValues(op, result).Inc()
	promMetrics.operationDuration.WithLabelValues(op).Observe(float64(elapsed.Microseconds()) / 1000.0)
}

// RecordLayerLookup records a handled per-layer lookup outcome.
func RecordLayerLookup(layer, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.layerLookupsTotal.WithLabelValues(layer, outcome).Inc()
}

// RecordPromotion records an entry copied into the given faster layer.
func RecordPromotion(layer string) {
	if promMetrics == nil {
		return
	}
	promMetrics.promotionsTotal.WithLabelValues(layer).Inc()
}

// SetWriteQueueDepth publishes the current queue depth.
func SetWriteQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.writeQueueDepth.Set(float64(depth))
}

// RecordWriteQueueEvent counts a queue lifecycle event: applied, retried,
// failed, discarded, or downgraded.
func RecordWriteQueueEvent(layer, event string) {
	if promMetrics == nil {
		return
	}
	promMetrics.writeQueueEvents.WithLabelValues(layer, event).Inc()
}

// RecordBackplaneMessage counts an invalidation message ("published" or
// "received") by kind ("key" or "tag").
func RecordBackplaneMessage(direction, kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.backplaneMessages.WithLabelValues(direction, kind).Inc()
}

// SetBreakerState publishes a breaker state for the layer.
func SetBreakerState(layer string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(layer).Set(float64(state))
}

// Handler returns the scrape endpoint, or a 503 handler before init.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
