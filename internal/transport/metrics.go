package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pharmacy_chat_transport_connections",
			Help: "Current number of live transport connections.",
		},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmacy_chat_transport_events_delivered_total",
			Help: "Total push events delivered to registered handlers.",
		},
		[]string{"event"},
	)
	eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmacy_chat_transport_events_published_total",
			Help: "Total events published to the backend.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmacy_chat_transport_reconnects_total",
			Help: "Total automatic reconnect attempts.",
		},
	)
)

func init() {
	prometheus.MustRegister(connections, eventsDelivered, eventsPublished, reconnects)
}

func incConnections() {
	connections.Inc()
}

func decConnections() {
	connections.Dec()
}

func addDelivered(event string) {
	eventsDelivered.WithLabelValues(event).Inc()
}

func incPublished() {
	eventsPublished.Inc()
}

func incReconnects() {
	reconnects.Inc()
}
