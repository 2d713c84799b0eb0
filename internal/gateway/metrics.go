package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rampforge_active_connections",
		Help: "Number of live WebSocket connections.",
	})

	metricConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_connections_total",
		Help: "Total accepted WebSocket connections.",
	})

	metricConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampforge_connections_rejected_total",
		Help: "Rejected connection attempts by reason.",
	}, []string{"reason"})

	metricMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_client_messages_received_total",
		Help: "Protocol messages received from clients.",
	})

	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_messages_sent_total",
		Help: "Frames written to clients.",
	})

	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_protocol_errors_total",
		Help: "Malformed or unknown client messages answered with an error reply.",
	})

	metricEventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_events_dispatched_total",
		Help: "Domain events handed to the broadcast dispatcher.",
	})

	metricEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_events_delivered_total",
		Help: "Event deliveries queued to matching connections.",
	})

	metricBroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_broadcasts_dropped_total",
		Help: "Event deliveries dropped because a connection's queue was full.",
	})

	metricSlowClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_slow_client_disconnects_total",
		Help: "Connections force-closed after repeated full-queue deliveries.",
	})

	metricRateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampforge_rate_limited_messages_total",
		Help: "Client messages dropped by the per-connection rate limiter.",
	})
)
