// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsAppended counts domain events by type.
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversator_events_appended_total",
			Help: "Total domain events appended to the log, by event type",
		},
		[]string{"type"},
	)

	// Dispatches counts builder dispatches by builder name and outcome.
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversator_dispatches_total",
			Help: "Total builder dispatches, by builder and outcome",
		},
		[]string{"builder", "outcome"},
	)

	// LiveSessions tracks in-flight builder sessions.
	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversator_builder_sessions_live",
			Help: "Number of in-flight builder sessions",
		},
	)

	// WSClients tracks connected WebSocket subscribers.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversator_ws_clients",
			Help: "Number of connected WebSocket subscribers",
		},
	)

	// InboxUnread tracks the unread inbox counter.
	InboxUnread = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversator_inbox_unread",
			Help: "Number of unread inbox items",
		},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		EventsAppended,
		Dispatches,
		LiveSessions,
		WSClients,
		InboxUnread,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
