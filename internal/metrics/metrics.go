// Package metrics provides Prometheus instrumentation for the settlement service.
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

const namespace = "settlement"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersTotal counts order lifecycle events (created, cancelled, filled).
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order events by kind.",
		},
		[]string{"event"},
	)

	// MatchesTotal counts matching attempts by result.
	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Order pair executions by result (trade, conflict, failed).",
		},
		[]string{"result"},
	)

	// TradesTotal counts trade transitions by target status.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trade transitions by target status.",
		},
		[]string{"status"},
	)

	// TradeTimeoutsTotal counts trades handled by the timeout sweep by outcome.
	TradeTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_timeouts_total",
			Help:      "Trades processed by the timeout sweep by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowsTotal counts escrow operations by operation and backing.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrows_total",
			Help:      "Escrow operations by operation (lock, release, refund, split) and backing.",
		},
		[]string{"operation", "backing"},
	)

	// EscrowFailuresTotal counts escrow operations that failed.
	EscrowFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_failures_total",
			Help:      "Failed escrow operations by operation and error code.",
		},
		[]string{"operation", "code"},
	)

	// EscrowOperationDuration observes escrow backend latency.
	EscrowOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "backing"},
	)

	// EscrowLifetime observes time from lock to resolution.
	EscrowLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_lifetime_seconds",
		Help:      "Time from escrow lock to release or refund in seconds.",
		Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 86400, 259200},
	})

	// ManualInterventionsTotal counts operations escalated to operators.
	ManualInterventionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_interventions_total",
			Help:      "Operations that need manual resolution, by operation.",
		},
		[]string{"operation"},
	)

	// DisputesTotal counts dispute events (opened, resolved:<outcome>).
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "Dispute events by kind.",
		},
		[]string{"event"},
	)

	// NotificationsDropped counts notifications dropped because a buffer was full.
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped on a full buffer.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// OpenTrades tracks non-terminal trades seen by the last sweep.
	OpenTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_trades",
		Help:      "Non-terminal trades due for a timeout check at the last sweep.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersTotal,
		MatchesTotal,
		TradesTotal,
		TradeTimeoutsTotal,
		EscrowsTotal,
		EscrowFailuresTotal,
		EscrowOperationDuration,
		EscrowLifetime,
		ManualInterventionsTotal,
		DisputesTotal,
		NotificationsDropped,
		ActiveWebSocketClients,
		OpenTrades,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveEscrow records one escrow backend call. code is empty on success.
func ObserveEscrow(operation, backing string, started time.Time, code string) {
	EscrowOperationDuration.WithLabelValues(operation, backing).Observe(time.Since(started).Seconds())
	if code != "" {
		EscrowFailuresTotal.WithLabelValues(operation, code).Inc()
		return
	}
	EscrowsTotal.WithLabelValues(operation, backing).Inc()
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// route pattern, not raw path, to bound label cardinality
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, c.FullPath()))

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
