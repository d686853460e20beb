// Package metrics holds the Prometheus collectors for the sync hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	MessagesAppended prometheus.Counter
	SessionsActive   prometheus.Gauge
	SSEClients       prometheus.Gauge
}

// New creates the metric collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synchub_events_published_total",
				Help: "Total number of sync events delivered to subscribers",
			},
			[]string{"type"},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synchub_events_dropped_total",
				Help: "Total number of sync events dropped for lack of a resolvable namespace",
			},
		),
		MessagesAppended: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synchub_messages_appended_total",
				Help: "Total number of messages appended to session ledgers",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synchub_sessions_active",
				Help: "Number of sessions currently marked active",
			},
		),
		SSEClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synchub_sse_clients",
				Help: "Number of connected SSE clients",
			},
		),
	}
}

// EventPublished records one delivered event of the given type.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped records one event dropped without a namespace.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// MessageAppended records one ledger append.
func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.MessagesAppended.Inc()
}

// SetActiveSessions updates the active-session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}
