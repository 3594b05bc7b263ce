package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a private registry so several collectors can live in
// one process (tests, single-process runs with every participant).
type MetricsCollector struct {
	registry *prometheus.Registry

	// saga
	sagaMessageTotal      *prometheus.CounterVec
	sagaMessageDuration   *prometheus.HistogramVec
	sagaOutcomeTotal      *prometheus.CounterVec
	shadowReapedTotal     prometheus.Counter
	compensationShortfall prometheus.Counter

	// bus
	queueFetchErrorTotal *prometheus.CounterVec
	queuePublishTotal    *prometheus.CounterVec

	// http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// process
	memoryUsage    prometheus.Gauge
	goroutineCount prometheus.Gauge
	gcDuration     prometheus.Gauge
}

// NewMetricsCollector creates a collector whose metric names are prefixed
// with namespace.
func NewMetricsCollector(namespace string) *MetricsCollector {
	mc := &MetricsCollector{registry: prometheus.NewRegistry()}
	mc.initMetrics(namespace)
	return mc
}

func (mc *MetricsCollector) initMetrics(namespace string) {
	factory := promauto.With(mc.registry)

	mc.sagaMessageTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_message_total",
			Help:      "Total number of handled saga messages",
		},
		[]string{"participant", "operation", "result"},
	)

	mc.sagaMessageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_message_duration_seconds",
			Help:      "Duration of saga message handling",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"participant", "operation"},
	)

	mc.sagaOutcomeTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_outcome_total",
			Help:      "Total number of outcomes emitted downstream",
		},
		[]string{"participant", "topic", "operation"},
	)

	mc.shadowReapedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shadow_reaped_total",
			Help:      "Total number of expired shadows rolled back by the reaper",
		},
	)

	mc.compensationShortfall = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_shortfall_units_total",
			Help:      "Stock units a compensation could not take back",
		},
	)

	mc.queueFetchErrorTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_fetch_error_total",
			Help:      "Total number of failed bus fetches",
		},
		[]string{"group"},
	)

	mc.queuePublishTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publish_total",
			Help:      "Total number of bus publishes",
		},
		[]string{"topic", "status"},
	)

	mc.httpRequestTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mc.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	mc.memoryUsage = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_usage_bytes",
		Help:      "Memory usage in bytes",
	})
	mc.goroutineCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutine_count",
		Help:      "Number of goroutines",
	})
	mc.gcDuration = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gc_duration_seconds",
		Help:      "Total GC pause time",
	})
}

// RecordSagaMessage records one handled message.
func (mc *MetricsCollector) RecordSagaMessage(participant, operation, result string, duration time.Duration) {
	mc.sagaMessageTotal.WithLabelValues(participant, operation, result).Inc()
	mc.sagaMessageDuration.WithLabelValues(participant, operation).Observe(duration.Seconds())
}

// RecordOutcome records an emitted outcome.
func (mc *MetricsCollector) RecordOutcome(participant, topic, operation string) {
	mc.sagaOutcomeTotal.WithLabelValues(participant, topic, operation).Inc()
}

// RecordReaped counts shadows claimed by the reaper.
func (mc *MetricsCollector) RecordReaped(n int) {
	mc.shadowReapedTotal.Add(float64(n))
}

// RecordShortfall counts units a compensation could not restore.
func (mc *MetricsCollector) RecordShortfall(units int64) {
	if units > 0 {
		mc.compensationShortfall.Add(float64(units))
	}
}

// RecordFetchError counts a failed fetch of a consumer group.
func (mc *MetricsCollector) RecordFetchError(group string) {
	mc.queueFetchErrorTotal.WithLabelValues(group).Inc()
}

// RecordPublish counts a publish attempt.
func (mc *MetricsCollector) RecordPublish(topic, status string) {
	mc.queuePublishTotal.WithLabelValues(topic, status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the process gauges
func (mc *MetricsCollector) UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.memoryUsage.Set(float64(m.Alloc))
	mc.goroutineCount.Set(float64(runtime.NumGoroutine()))
	mc.gcDuration.Set(float64(m.PauseTotalNs) / 1e9)
}

// StartSystemMetricsCollection refreshes the process gauges until ctx is done
func (mc *MetricsCollector) StartSystemMetricsCollection(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.UpdateSystemMetrics()
		}
	}
}

// GetRegistry returns the collector's registry
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the registry in the Prometheus text format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}
