// Package metrics exposes the Mesh's operational counters via Prometheus,
// grounded on the teacher's internal/node/server.go metric set
// (prometheus.NewCounterVec/NewGauge, prometheus.MustRegister). This is an
// ambient observability side-channel (SPEC_FULL.md §10.5), not part of the
// wire protocol itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the Mesh and its actors update.
type Metrics struct {
	HandshakesCompleted prometheus.Counter
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
	PeersConnected      prometheus.Gauge
	PeersFailed         prometheus.Counter
	PendingRequests     prometheus.Gauge
	ProtocolErrors      prometheus.Counter
}

// New constructs and registers a Metrics set against registry. Passing a
// fresh *prometheus.Registry (rather than the global default) keeps
// repeated construction in tests from panicking on duplicate registration.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HandshakesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_handshakes_completed_total",
			Help: "Total number of outbound peer handshakes completed (Supported advertisements received by a PeerLink).",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_messages_sent_total",
			Help: "Total number of outbound messages answered by a successful Result.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_messages_received_total",
			Help: "Total number of inbound messages a local handler processed without error.",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshlink_peers_connected",
			Help: "Current number of PeerLinks in status Ok.",
		}),
		PeersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_peers_failed_total",
			Help: "Total number of PeerLink transitions into status Failed.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshlink_pending_requests",
			Help: "Current number of outbound requests awaiting a Result.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_protocol_errors_total",
			Help: "Total number of wire protocol violations observed.",
		}),
	}
	registry.MustRegister(
		m.HandshakesCompleted,
		m.MessagesSent,
		m.MessagesReceived,
		m.PeersConnected,
		m.PeersFailed,
		m.PendingRequests,
		m.ProtocolErrors,
	)
	return m
}
