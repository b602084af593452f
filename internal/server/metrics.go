package server

import "github.com/prometheus/client_golang/prometheus"

const (
	dropReasonInvalid   = "invalid"
	dropReasonNoRoom    = "no_room"
	dropReasonRate      = "rate_limited"
	dropReasonMalformed = "malformed"
)

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskchat_ws_connections",
			Help: "Current number of active websocket connections.",
		},
	)
	wsRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskchat_ws_rooms",
			Help: "Current number of rooms with at least one member.",
		},
	)
	messagesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskchat_messages_accepted_total",
			Help: "Total chat messages appended to a room log.",
		},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_messages_dropped_total",
			Help: "Total inbound frames dropped before reaching a room log.",
		},
		[]string{"reason"},
	)
	messagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskchat_messages_delivered_total",
			Help: "Total new-message frames queued to connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsRooms, messagesAccepted, messagesDropped, messagesDelivered)
}

func incConnections() {
	wsConnections.Inc()
}

func decConnections() {
	wsConnections.Dec()
}

func setRooms(count int) {
	wsRooms.Set(float64(count))
}

func addDelivered(count int) {
	messagesDelivered.Add(float64(count))
}

func incDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}
