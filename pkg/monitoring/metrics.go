package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for a service
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Prometheus metric names cannot contain hyphens
	sanitized := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName: sanitized,
		registry:    prometheus.NewRegistry(),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: sanitized + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    sanitized + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: sanitized + "_service_info",
			Help: "Service version information",
		},
		[]string{"version", "commit"},
	)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	mc.registry.MustRegister(mc.httpRequestsTotal, mc.httpRequestDuration, mc.serviceInfo)

	return mc
}

// CreateLedgerMetrics returns counters for ledger business activity.
func (mc *MetricsCollector) CreateLedgerMetrics() (*prometheus.CounterVec, prometheus.Histogram) {
	postings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_ledger_postings_total",
			Help: "Ledger entries posted, labeled by transaction type",
		},
		[]string{"type"},
	)

	settlementDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_billing_cycle_close_seconds",
			Help:    "Duration of billing cycle close runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	mc.registry.MustRegister(postings, settlementDuration)
	return postings, settlementDuration
}

// CreateMessagingMetrics returns counters for consumed/produced/parked events.
func (mc *MetricsCollector) CreateMessagingMetrics() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter) {
	consumed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_events_consumed_total",
			Help: "Events consumed, labeled by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	produced := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_events_produced_total",
			Help: "Events produced, labeled by topic",
		},
		[]string{"topic"},
	)

	deadLettered := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_events_dead_lettered_total",
			Help: "Events parked on the dead-letter topic",
		},
	)

	mc.registry.MustRegister(consumed, produced, deadLettered)
	return consumed, produced, deadLettered
}

// HTTPMetricsMiddleware records request counts and latencies
func (mc *MetricsCollector) HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		mc.httpRequestsTotal.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape endpoint for this collector
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
