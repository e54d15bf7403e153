package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dmrelay"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open websocket connections.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Users with at least one open connection.",
	})

	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Inbound events by name and outcome.",
	}, []string{"event", "outcome"})

	EventDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_duration_seconds",
		Help:      "Time spent handling an inbound event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	MessagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_created_total",
		Help:      "Messages stored.",
	})

	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_dropped_total",
		Help:      "Frames dropped because a connection's send queue was full or closed.",
	})

	MaintenanceRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "maintenance_runs_total",
		Help:      "Scheduled maintenance runs by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		OnlineUsers,
		Events,
		EventDuration,
		MessagesCreated,
		DeliveriesDropped,
		MaintenanceRuns,
	)
}

// Outcome labels for Events.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)
