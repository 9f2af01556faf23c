package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmacy_chat_sessions_started_total",
			Help: "Total chat sessions created, by origin channel.",
		},
		[]string{"origin"},
	)
	sessionsEnded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmacy_chat_sessions_ended_total",
			Help: "Total chat sessions that reached the ended stage.",
		},
	)
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmacy_chat_messages_sent_total",
			Help: "Total messages published by this client.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsStarted, sessionsEnded, messagesSent)
}
