package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pinroom"

var (
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open realtime connections.",
		},
	)

	LiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_rooms",
			Help:      "Rooms with at least one connected participant.",
		},
	)

	ActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Rooms with a ringing or connected call.",
		},
	)

	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by name.",
		},
		[]string{"event"},
	)

	EventErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Inbound events answered with an error, by name.",
		},
		[]string{"event"},
	)

	MessagesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Chat messages persisted.",
		},
	)

	CallsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls torn down, by reason.",
		},
		[]string{"reason"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound events rejected by the per-connection limiter.",
		},
	)

	SlowConsumers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their outbound queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Connections,
		LiveRooms,
		ActiveCalls,
		Events,
		EventErrors,
		MessagesStored,
		CallsEnded,
		RateLimited,
		SlowConsumers,
	)
}
