package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sync coordination server.
//
// Naming convention: namespace_subsystem_name
// - namespace: syncroom (application-level grouping)
// - subsystem: websocket, room, playback (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveConnections tracks the current number of open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of authenticated sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of authenticated sessions",
	})

	// ActiveRooms tracks the current number of live room actors.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomUsers tracks the membership of each room.
	RoomUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "users_count",
		Help:      "Number of users in each room",
	}, []string{"room_id"})

	// MessagesTotal counts processed client messages by tag and outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total client messages processed",
	}, []string{"tag", "status"})

	// PingLatency tracks the round-trip time of connection pings.
	PingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncroom",
		Subsystem: "websocket",
		Name:      "ping_latency_seconds",
		Help:      "Round-trip latency of connection pings",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RateLimitExceeded counts refused requests per surface.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests refused by rate limiting",
	}, []string{"surface"})

	// PlaybackSyncsTotal counts playback sync fan-outs.
	PlaybackSyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "playback",
		Name:      "syncs_total",
		Help:      "Total playback sync messages mediated",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
