package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BufferFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_buffer_flushes_total",
			Help: "Buffered message groups flushed, by trigger",
		},
		[]string{"trigger"},
	)

	BufferFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "line_relay_buffer_fragments_total",
			Help: "Text fragments submitted to the message buffer",
		},
	)

	ActiveBuffers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "line_relay_buffer_active_groups",
			Help: "Users with a pending buffered message group",
		},
	)

	AIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_ai_requests_total",
			Help: "Assistant requests by outcome",
		},
		[]string{"outcome"},
	)

	AIRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "line_relay_ai_run_duration_seconds",
			Help:    "Time from run creation to completion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "line_relay_confidence_score",
			Help:    "Confidence reported by the assistant",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.83, 0.9, 1.0},
		},
	)

	RouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_route_decisions_total",
			Help: "Router decisions by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_tool_calls_total",
			Help: "Assistant tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	WebSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_web_searches_total",
			Help: "Web searches by provider and status",
		},
		[]string{"provider", "status"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_deliveries_total",
			Help: "Outbound LINE API calls by channel and status",
		},
		[]string{"channel", "status"},
	)

	HandoverFlags = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_handover_flags_total",
			Help: "Handover flags set, by reason",
		},
		[]string{"reason"},
	)

	HandoverFlagsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "line_relay_handover_flags_swept_total",
			Help: "Expired handover flags removed by the sweeper",
		},
	)

	OnboardingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_onboarding_transitions_total",
			Help: "Onboarding profile state transitions",
		},
		[]string{"to"},
	)

	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_persistence_failures_total",
			Help: "Failed writes that did not block a reply",
		},
		[]string{"operation"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BufferFlushes,
			BufferFragments,
			ActiveBuffers,
			AIRequests,
			AIRunDuration,
			ConfidenceScore,
			RouteDecisions,
			ToolCalls,
			WebSearches,
			Deliveries,
			HandoverFlags,
			HandoverFlagsSwept,
			OnboardingTransitions,
			PersistenceFailures,
			CacheHits,
			CacheMisses,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
