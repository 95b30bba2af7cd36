// Package metrics provides Prometheus metrics for the proxy client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hookproxy"
)

// Drop reasons for relayed datagrams.
const (
	DropTooShort      = "too_short"
	DropFragmented    = "fragmented"
	DropMalformed     = "malformed"
	DropForeignSource = "foreign_source"
	DropEmpty         = "empty"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// TCP CONNECT metrics
	ConnectsTotal   prometheus.Counter
	ConnectFailures *prometheus.CounterVec
	ConnectLatency  prometheus.Histogram

	// UDP ASSOCIATE metrics
	AssociationsTotal   prometheus.Counter
	AssociationFailures *prometheus.CounterVec
	AssociationsLost    prometheus.Counter
	WorkersActive       prometheus.Gauge

	// Data plane
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	RelayBytes        *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// OrDefault returns m, or Default() when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return Default()
	}
	return m
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total successful CONNECT handshakes through the proxy",
		}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed CONNECT attempts by reason",
		}, []string{"reason"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Time from dialing the proxy to a successful CONNECT reply",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		AssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_total",
			Help:      "Total successful UDP ASSOCIATE handshakes",
		}),
		AssociationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "association_failures_total",
			Help:      "Failed UDP ASSOCIATE attempts by reason",
		}, []string{"reason"}),
		AssociationsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_lost_total",
			Help:      "Associations terminated because the proxy dropped the control connection",
		}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_workers_active",
			Help:      "Number of live UDP relay workers",
		}),

		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams encapsulated and sent to the relay endpoint",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams decapsulated and delivered to callers",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound relay datagrams dropped by reason",
		}, []string{"reason"}),
		RelayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_payload_bytes_total",
			Help:      "UDP payload bytes relayed by direction",
		}, []string{"direction"}),
	}
}

// RecordConnect records a successful CONNECT.
func (m *Metrics) RecordConnect(latencySeconds float64) {
	m.ConnectsTotal.Inc()
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordConnectFailure records a failed CONNECT.
func (m *Metrics) RecordConnectFailure(reason string) {
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

// RecordAssociate records a worker coming up.
func (m *Metrics) RecordAssociate() {
	m.AssociationsTotal.Inc()
	m.WorkersActive.Inc()
}

// RecordAssociateFailure records a failed UDP ASSOCIATE.
func (m *Metrics) RecordAssociateFailure(reason string) {
	m.AssociationFailures.WithLabelValues(reason).Inc()
}

// RecordWorkerClosed records a worker going away.
func (m *Metrics) RecordWorkerClosed() {
	m.WorkersActive.Dec()
}

// RecordAssociationLost records a control connection dropped by the proxy.
func (m *Metrics) RecordAssociationLost() {
	m.AssociationsLost.Inc()
}

// RecordDatagramSent records an outbound datagram.
func (m *Metrics) RecordDatagramSent(payloadBytes int) {
	m.DatagramsSent.Inc()
	m.RelayBytes.WithLabelValues("out").Add(float64(payloadBytes))
}

// RecordDatagramReceived records a delivered inbound datagram.
func (m *Metrics) RecordDatagramReceived(payloadBytes int) {
	m.DatagramsReceived.Inc()
	m.RelayBytes.WithLabelValues("in").Add(float64(payloadBytes))
}

// RecordDatagramDropped records a discarded inbound datagram.
func (m *Metrics) RecordDatagramDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}
