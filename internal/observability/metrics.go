package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "market_chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "market_chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_chat_active_sessions",
			Help: "Number of open client sync sessions.",
		},
	)
	feedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_chat_feed_events_total",
			Help: "Feed deliveries seen by sessions, by outcome.",
		},
		[]string{"outcome"},
	)
	feedSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_chat_feed_subscribers",
			Help: "Number of live feed subscriptions.",
		},
	)
	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_chat_reconciliations_total",
			Help: "Full refetches performed by sessions, by trigger.",
		},
		[]string{"reason"},
	)
	operationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_chat_operation_failures_total",
			Help: "Session operations that failed after their automatic retry.",
		},
		[]string{"op"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		activeSessions,
		feedEventsTotal,
		feedSubscribers,
		reconciliationsTotal,
		operationFailuresTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncActiveSessions() { activeSessions.Inc() }

func DecActiveSessions() { activeSessions.Dec() }

// IncFeedEvent counts a feed delivery: applied, duplicate or filtered.
func IncFeedEvent(outcome string) {
	feedEventsTotal.WithLabelValues(outcome).Inc()
}

func IncFeedSubscribers() { feedSubscribers.Inc() }

func DecFeedSubscribers() { feedSubscribers.Dec() }

func IncReconciliation(reason string) {
	reconciliationsTotal.WithLabelValues(reason).Inc()
}

func IncOperationFailure(op string) {
	operationFailuresTotal.WithLabelValues(op).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
