// Package metrics holds the prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sealed_chat"

type Metrics struct {
	Connections prometheus.Gauge
	Mutations   *prometheus.CounterVec
	Fanout      *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Message mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		Fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_total",
			Help:      "Events emitted to rooms and connections.",
		}, []string{"event"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_frames_total",
			Help:      "Inbound frames dropped before reaching the engine.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.Connections, m.Mutations, m.Fanout, m.Rejected)
	}
	return m
}

func (m *Metrics) Mutation(op, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Emitted(event string) {
	if m == nil {
		return
	}
	m.Fanout.WithLabelValues(event).Inc()
}

func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}
