package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icebreaker_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icebreaker_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "icebreaker_active_sessions",
			Help: "Room sessions currently connected",
		},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icebreaker_messages_appended_total",
			Help: "Messages appended to room logs",
		},
		[]string{"kind"}, // "user" or "assistant"
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "icebreaker_stream_subscriptions",
			Help: "Open message stream subscriptions",
		},
	)

	BatchesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icebreaker_stream_batches_total",
			Help: "Ordered batches delivered to subscribers",
		},
	)

	SubscriptionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icebreaker_stream_errors_total",
			Help: "Subscriptions terminated by a storage or transport error",
		},
	)

	IdentityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icebreaker_identity_lookups_total",
			Help: "Identity lookups by outcome",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	// Assistant metrics
	AssistRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icebreaker_assist_requests_total",
			Help: "Assistant requests by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	AssistLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icebreaker_assist_latency_seconds",
			Help:    "Assistant request latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icebreaker_circuit_breaker_open",
			Help: "1 while the named circuit breaker is open",
		},
		[]string{"name"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icebreaker_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
