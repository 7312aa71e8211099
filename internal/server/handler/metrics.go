package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	convoBlocksAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convochain_blocks_appended_total",
		Help: "Total blocks appended to conversation chains, by role.",
	}, []string{"role"})

	convoVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convochain_verifications_total",
		Help: "Total chain verifications, by result.",
	}, []string{"result"})

	convoVerifyFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convochain_verify_findings_total",
		Help: "Total integrity findings reported by verification, by kind.",
	}, []string{"kind"})

	convoRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convochain_rebuilds_total",
		Help: "Total authorised chain rebuilds.",
	})

	convoMigrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convochain_migrations_total",
		Help: "Total legacy records migrated into chained form.",
	})

	convoRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convochain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	convoRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convochain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware recording per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		convoRequestsTotal.WithLabelValues(method, path, status).Inc()
		convoRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler serving Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a block append for the given role.
func RecordAppend(role string) {
	convoBlocksAppendedTotal.WithLabelValues(role).Inc()
}

// RecordVerification records a verification outcome and its findings.
func RecordVerification(valid bool, findingKinds []string) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	convoVerificationsTotal.WithLabelValues(result).Inc()
	for _, kind := range findingKinds {
		convoVerifyFindingsTotal.WithLabelValues(kind).Inc()
	}
}

// RecordRebuild records an authorised chain rebuild.
func RecordRebuild() {
	convoRebuildsTotal.Inc()
}

// RecordMigration records n legacy records gaining chain metadata.
func RecordMigration(n int) {
	convoMigrationsTotal.Add(float64(n))
}
