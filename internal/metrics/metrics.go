// Package metrics provides Prometheus instrumentation for the Gatewall platform.
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
			Namespace: "gatewall",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatewall",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsRoutedTotal counts inbound bot events by resolved actor role.
	EventsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewall",
			Name:      "events_routed_total",
			Help:      "Total inbound events routed by actor role.",
		},
		[]string{"role"},
	)

	// EventsDroppedTotal counts events rejected before dispatch.
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewall",
			Name:      "events_dropped_total",
			Help:      "Total inbound events dropped by reason (unknown_tenant, suspended, malformed).",
		},
		[]string{"reason"},
	)

	// PaymentsTotal counts payment socket operations by method and outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewall",
			Name:      "payments_total",
			Help:      "Total payment socket operations by method, operation, and outcome.",
		},
		[]string{"method", "op", "outcome"},
	)

	// PendingAbandonedTotal counts pending requests expired by the abandonment sweep.
	PendingAbandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewall",
		Name:      "pending_abandoned_total",
		Help:      "Total pending requests abandoned after TTL.",
	})

	// SubscriptionsActivatedTotal counts subscriptions created from confirms.
	SubscriptionsActivatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewall",
		Name:      "subscriptions_activated_total",
		Help:      "Total subscriptions activated.",
	})

	// ReconcilerSweepsTotal counts reconciler cycles.
	ReconcilerSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewall",
		Name:      "reconciler_sweeps_total",
		Help:      "Total expiry reconciliation sweeps run.",
	})

	// RevocationsTotal counts revoke attempts by result.
	RevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewall",
			Name:      "revocations_total",
			Help:      "Total access revocations by result (ok, retry, failed).",
		},
		[]string{"result"},
	)

	// GrantsTotal counts grant attempts by result.
	GrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewall",
			Name:      "grants_total",
			Help:      "Total access grants by result (ok, partial, failed).",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected ops-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatewall",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewall", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewall", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewall", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewall", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsRoutedTotal,
		EventsDroppedTotal,
		PaymentsTotal,
		PendingAbandonedTotal,
		SubscriptionsActivatedTotal,
		ReconcilerSweepsTotal,
		RevocationsTotal,
		GrantsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
