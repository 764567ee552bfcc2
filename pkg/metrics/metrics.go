package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message pipeline metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacedge_messages_total",
			Help: "Total messages processed by precedence and status",
		},
		[]string{"precedence", "status"},
	)

	MessageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tacedge_message_latency_seconds",
			Help:    "Message submission processing latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1.0, 2.5, 5.0},
		},
		[]string{"precedence"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tacedge_queue_depth",
			Help: "Current depth of each precedence partition",
		},
		[]string{"precedence"},
	)

	// Dispatch metrics
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacedge_dispatch_attempts_total",
			Help: "Delivery attempts by precedence and outcome",
		},
		[]string{"precedence", "outcome"},
	)

	MessagesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tacedge_messages_expired_total",
			Help: "Messages evicted after TTL expiry",
		},
	)

	// Auth metrics
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacedge_auth_failures_total",
			Help: "Authentication failures by reason",
		},
		[]string{"reason"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tacedge_rate_limited_total",
			Help: "Requests rejected by per-token rate limits",
		},
	)

	// Audit metrics
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacedge_audit_events_total",
			Help: "Audit events recorded by control family",
		},
		[]string{"control_family"},
	)

	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tacedge_audit_dropped_total",
			Help: "Best-effort audit events dropped because the buffer was full",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacedge_api_requests_total",
			Help: "Total API requests by path and status",
		},
		[]string{"path", "status"},
	)
)

func init() {
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(MessageLatency)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(MessagesExpiredTotal)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(AuditEventsTotal)
	prometheus.MustRegister(AuditDroppedTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
