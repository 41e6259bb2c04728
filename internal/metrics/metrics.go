// Package metrics provides Prometheus instrumentation for the agent.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tapagent",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TriggersTotal counts inbound payment triggers by result
	// (accepted, dropped_busy, invalid).
	TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "triggers_total",
			Help:      "Total inbound payment triggers by result.",
		},
		[]string{"result"},
	)

	// CollectionsTotal counts completed collection attempts by status.
	CollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "collections_total",
			Help:      "Total collection attempts by final status.",
		},
		[]string{"status"},
	)

	// CollectionStageFailures counts hardware stage failures by stage.
	CollectionStageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "collection_stage_failures_total",
			Help:      "Total hardware protocol failures by stage.",
		},
		[]string{"stage"},
	)

	// CollectionDuration observes end-to-end collection attempt duration.
	CollectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tapagent",
			Name:      "collection_duration_seconds",
			Help:      "Time from trigger acceptance to terminal outcome in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// ChannelConnected reports whether the push channel is currently open.
	ChannelConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapagent",
			Name:      "channel_connected",
			Help:      "1 when the push channel WebSocket is open, 0 otherwise.",
		},
	)

	// ChannelReconnectsTotal counts scheduled channel reconnects.
	ChannelReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "channel_reconnects_total",
			Help:      "Total WebSocket reconnects scheduled.",
		},
	)

	// ReaderConnected reports whether a payment reader is currently bound.
	ReaderConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapagent",
			Name:      "reader_connected",
			Help:      "1 when a payment reader is connected, 0 otherwise.",
		},
	)

	// TokenFetchesTotal counts connection-token fetches by result.
	TokenFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "token_fetches_total",
			Help:      "Total connection token fetches by result.",
		},
		[]string{"result"},
	)

	// ReportsTotal counts outcome reports delivered to the callback URL.
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapagent",
			Name:      "reports_total",
			Help:      "Total outcome reports by delivery result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tapagent", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tapagent", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TriggersTotal,
		CollectionsTotal,
		CollectionStageFailures,
		CollectionDuration,
		ChannelConnected,
		ChannelReconnectsTotal,
		ReaderConnected,
		TokenFetchesTotal,
		ReportsTotal,
		DBOpenConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns a gin handler serving the Prometheus exposition endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket collapses a status code to its class (2xx, 4xx, ...).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
