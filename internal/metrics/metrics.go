// Package metrics provides Prometheus instrumentation for the location risk engine.
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
			Namespace: "lendguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lendguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts policy decisions by context and action.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lendguard",
			Name:      "assessments_total",
			Help:      "Total risk assessments by decision context and resulting action.",
		},
		[]string{"context", "action"},
	)

	// AssessmentFailuresTotal counts scoring failures by context.
	AssessmentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lendguard",
			Name:      "assessment_failures_total",
			Help:      "Total scoring failures by decision context.",
		},
		[]string{"context"},
	)

	// RiskScore observes the distribution of computed scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lendguard",
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores (0-100).",
		Buckets:   []float64{0, 10, 25, 50, 60, 70, 80, 90, 100},
	})

	// GeoIPLookupsTotal counts IP geolocation lookups by result
	// (cache_hit, resolved, unavailable).
	GeoIPLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lendguard",
			Name:      "geoip_lookups_total",
			Help:      "Total IP geolocation lookups by result.",
		},
		[]string{"result"},
	)

	// AuditWriteFailuresTotal counts failed audit and tracker writes by kind.
	AuditWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lendguard",
			Name:      "audit_write_failures_total",
			Help:      "Total failed audit writes by record kind.",
		},
		[]string{"kind"},
	)

	// SessionLocationsSweptTotal counts stale session locations deleted.
	SessionLocationsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendguard",
		Name:      "session_locations_swept_total",
		Help:      "Total stale session location rows deleted by the sweeper.",
	})

	// SessionsRevokedTotal counts sessions invalidated by a block decision.
	SessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendguard",
		Name:      "sessions_revoked_total",
		Help:      "Total sessions invalidated after a block decision.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		AssessmentFailuresTotal,
		RiskScore,
		GeoIPLookupsTotal,
		AuditWriteFailuresTotal,
		SessionLocationsSweptTotal,
		SessionsRevokedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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
