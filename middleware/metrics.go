package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_started_total",
			Help: "Total number of payment intents created",
		},
	)

	paymentsValidatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_validated_total",
			Help: "Total number of payment validations by result",
		},
		[]string{"result"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Total number of refunds by final status",
		},
		[]string{"status"},
	)

	webhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of gateway webhooks by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	reconciliationGapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_gaps_total",
			Help: "Divergences between local and gateway payment state",
		},
		[]string{"source"},
	)

	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of payment gateway calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentsStartedTotal)
	prometheus.MustRegister(paymentsValidatedTotal)
	prometheus.MustRegister(refundsTotal)
	prometheus.MustRegister(webhooksReceivedTotal)
	prometheus.MustRegister(reconciliationGapsTotal)
	prometheus.MustRegister(gatewayRequestsTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentStarted() {
	paymentsStartedTotal.Inc()
}

func RecordPaymentValidated(result string) {
	paymentsValidatedTotal.WithLabelValues(result).Inc()
}

func RecordRefund(status string) {
	refundsTotal.WithLabelValues(status).Inc()
}

func RecordWebhook(eventType, outcome string) {
	webhooksReceivedTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordReconciliationGap(source string) {
	reconciliationGapsTotal.WithLabelValues(source).Inc()
}

func RecordGatewayRequest(op, outcome string) {
	gatewayRequestsTotal.WithLabelValues(op, outcome).Inc()
}
