// Package metrics provides Prometheus instrumentation for the pairing and
// messaging server. It exposes gauges for connection and presence counts,
// counters for message and pairing throughput, and a latency histogram for
// the send path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairlink_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairlink_online_users",
		Help: "Current number of users with at least one live session",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "sent", "delivered", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairlink_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// PairingTransitionsTotal counts pairing state transitions, labeled by
	// the resulting status: "pending", "accepted", or "rejected".
	PairingTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairlink_pairing_transitions_total",
		Help: "Total number of pairing state transitions",
	}, []string{"status"})

	// SendLatency records message send latency in seconds, from command
	// receipt to durable append.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairlink_send_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingSignalsTotal counts relayed typing signals.
	TypingSignalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairlink_typing_signals_total",
		Help: "Total number of typing signals relayed",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		PairingTransitionsTotal,
		SendLatency,
		TypingSignalsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
