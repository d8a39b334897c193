package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medaudit_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medaudit_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medaudit_appends_total",
		Help: "Audit append attempts by outcome.",
	}, []string{"outcome"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medaudit_append_duration_seconds",
		Help:    "End-to-end audit append latency, mining and persistence included.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	miningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medaudit_mining_duration_seconds",
		Help:    "Time spent searching for a nonce.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	miningNonce = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medaudit_mining_nonce",
		Help:    "Winning nonce per sealed block, a proxy for attempts.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	})

	rollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medaudit_rollbacks_total",
		Help: "Blocks removed because their durable write failed.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medaudit_verifications_total",
		Help: "Chain verifications by result.",
	}, []string{"result"})

	chainValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medaudit_chain_valid",
		Help: "1 if the last verification passed, 0 otherwise.",
	})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medaudit_chain_length",
		Help: "Number of blocks seen by the last verification.",
	})

	monitorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medaudit_monitor_runs_total",
		Help: "Scheduled verification runs by result.",
	}, []string{"result"})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medaudit_alert_deliveries_total",
		Help: "Alert webhook deliveries by success status.",
	}, []string{"status"})

	blockCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medaudit_block_cache_total",
		Help: "Block lookup cache hits and misses.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// LedgerMetrics feeds ledger and service observations into Prometheus. It
// satisfies auditledger.Recorder and audit.Metrics.
type LedgerMetrics struct{}

// ObserveMining implements auditledger.Recorder.
func (LedgerMetrics) ObserveMining(elapsed time.Duration, nonce uint64) {
	miningDuration.Observe(elapsed.Seconds())
	miningNonce.Observe(float64(nonce))
}

// ObserveAppend implements audit.Metrics.
func (LedgerMetrics) ObserveAppend(outcome string, elapsed time.Duration) {
	appendsTotal.WithLabelValues(outcome).Inc()
	appendDuration.Observe(elapsed.Seconds())
}

// ObserveRollback implements audit.Metrics.
func (LedgerMetrics) ObserveRollback() {
	rollbacksTotal.Inc()
}

// ObserveVerification implements audit.Metrics.
func (LedgerMetrics) ObserveVerification(res auditledger.VerificationResult) {
	chainLength.Set(float64(res.ChainLength))
	if res.Valid {
		verificationsTotal.WithLabelValues("valid").Inc()
		chainValid.Set(1)
		return
	}
	verificationsTotal.WithLabelValues(string(res.FailureKind)).Inc()
	chainValid.Set(0)
}

// RecordMonitorRun records a scheduled verification result.
func RecordMonitorRun(valid bool) {
	if valid {
		monitorRunsTotal.WithLabelValues("valid").Inc()
	} else {
		monitorRunsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordWebhookDelivery records an alert delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		alertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

func recordCache(hit bool) {
	if hit {
		blockCacheTotal.WithLabelValues("hit").Inc()
	} else {
		blockCacheTotal.WithLabelValues("miss").Inc()
	}
}
