package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flightplan_governor_iterations_total",
		Help: "Total conversation loop iterations across all runs",
	})

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightplan_governor_tokens_total",
			Help: "Total tokens consumed by governor runs",
		},
		[]string{"direction"},
	)

	tripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightplan_governor_trips_total",
			Help: "Total terminal governor trips by reason",
		},
		[]string{"reason"},
	)

	truncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flightplan_governor_truncations_total",
		Help: "Total tool results truncated to fit the character budget",
	})

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightplan_governor_tool_call_duration_seconds",
			Help:    "Duration of dispatched tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin", "status"},
	)
)
