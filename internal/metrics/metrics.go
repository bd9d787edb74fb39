package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesCreated counts persisted messages by content type.
	MessagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciphertalk_messages_created_total",
		Help: "Number of messages persisted, by content type.",
	}, []string{"content_type"})

	// SocketConnections tracks live websocket connections.
	SocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ciphertalk_socket_connections",
		Help: "Currently open websocket connections.",
	})

	// EventsBroadcast counts events pushed to clients, by event type.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciphertalk_events_broadcast_total",
		Help: "Number of events fanned out to clients, by event type.",
	}, []string{"event"})

	// EventsDropped counts events discarded because a client's send buffer
	// was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciphertalk_events_dropped_total",
		Help: "Events dropped due to slow clients.",
	})
)
