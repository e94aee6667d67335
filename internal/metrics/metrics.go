// Package metrics holds the Prometheus collectors for the messaging core.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the process collectors.
type Metrics struct {
	connActive        prometheus.Gauge
	connTotal         prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	published         *prometheus.CounterVec
	degraded          prometheus.Gauge
	sendLatency       *prometheus.HistogramVec
	orphaned          prometheus.Counter
}

// New registers the collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inkwell_connections_active",
			Help: "Authenticated live connections on this node.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_connections_total",
			Help: "Connections authenticated since start.",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_handshake_failures_total",
			Help: "Rejected handshakes by reason.",
		}, []string{"reason"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_events_published_total",
			Help: "Events published to rooms by kind.",
		}, []string{"event"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inkwell_fanout_degraded",
			Help: "1 while delivery is limited to this process.",
		}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inkwell_send_latency_seconds",
			Help:    "Send handling latency by path.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"path"}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_orphaned_broadcasts_total",
			Help: "Optimistic group broadcasts whose durable write failed.",
		}),
	}

	reg.MustRegister(
		m.connActive,
		m.connTotal,
		m.handshakeFailures,
		m.published,
		m.degraded,
		m.sendLatency,
		m.orphaned,
	)
	return m
}

// ConnOpened records a new authenticated connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connActive.Inc()
	m.connTotal.Inc()
}

// ConnClosed records a closed connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

// HandshakeFailed records a rejected handshake.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// Published counts an event publish.
func (m *Metrics) Published(event string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(event).Inc()
}

// SetDegraded flips the degraded-fanout gauge.
func (m *Metrics) SetDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// ObserveSend records handling latency for a send path ("direct" or "group").
func (m *Metrics) ObserveSend(path string, d time.Duration) {
	if m == nil || path == "" {
		return
	}
	m.sendLatency.WithLabelValues(path).Observe(d.Seconds())
}

// Orphaned counts a withdrawn optimistic broadcast.
func (m *Metrics) Orphaned() {
	if m == nil {
		return
	}
	m.orphaned.Inc()
}
