// Package metrics provides optional Prometheus instrumentation for the
// cubesql client (SPEC_FULL.md "DOMAIN STACK": connect/handshake duration
// histograms, an open-connection gauge, and bytes-sent/received counters).
// None of it is required for correctness; a nil *Metrics or a nil
// Registerer both degrade to no-ops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one client installation. Share a single
// instance across connections that should aggregate together.
type Metrics struct {
	connectDuration   prometheus.Histogram
	handshakeDuration prometheus.Histogram
	openConnections   prometheus.Gauge
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
}

// New builds a Metrics registered against reg. reg may be nil, in which
// case the collectors are created but never registered — Observe/Inc
// calls remain safe, they just report nowhere.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cubesql",
			Name:      "connect_duration_seconds",
			Help:      "Time spent establishing a TCP connection, dial race included.",
			Buckets:   prometheus.DefBuckets,
		}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cubesql",
			Name:      "handshake_duration_seconds",
			Help:      "Time spent in the authentication handshake.",
			Buckets:   prometheus.DefBuckets,
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cubesql",
			Name:      "open_connections",
			Help:      "Number of currently open cubesql connections.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cubesql",
			Name:      "bytes_sent_total",
			Help:      "Total request payload bytes sent, counted before encryption.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cubesql",
			Name:      "bytes_received_total",
			Help:      "Total reply payload bytes received, counted after decryption and decompression.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.connectDuration, m.handshakeDuration, m.openConnections, m.bytesSent, m.bytesReceived)
	}
	return m
}

// ObserveConnect records how long dialing took, in seconds.
func (m *Metrics) ObserveConnect(seconds float64) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(seconds)
}

// ObserveHandshake records how long authentication took, in seconds.
func (m *Metrics) ObserveHandshake(seconds float64) {
	if m == nil {
		return
	}
	m.handshakeDuration.Observe(seconds)
}

// ConnOpened increments the open-connection gauge.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

// ConnClosed decrements the open-connection gauge.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

// AddBytesSent accumulates n bytes into the sent counter.
func (m *Metrics) AddBytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

// AddBytesReceived accumulates n bytes into the received counter.
func (m *Metrics) AddBytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}
