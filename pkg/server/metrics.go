package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each instance owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Registry metrics
	rooms        prometheus.Gauge
	participants prometheus.Gauge

	// Broadcast metrics
	broadcastFanout *prometheus.HistogramVec

	// Connection metrics
	admitted            prometheus.Counter
	disconnected        prometheus.Counter
	handshakeRejections *prometheus.CounterVec
	rateLimited         prometheus.Counter

	// Package type metrics
	packagesReceived *prometheus.CounterVec // by package type
	packagesSent     *prometheus.CounterVec // by package type
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "securechat_rooms",
				Help: "Number of rooms, including the main room",
			},
		),
		participants: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "securechat_participants",
				Help: "Number of admitted participants",
			},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "securechat_broadcast_fanout",
				Help:    "Number of participants that received each relayed event",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"type"}, // "message", "whisper" or "file"
		),
		admitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "securechat_participants_admitted_total",
				Help: "Total number of connections that completed the handshake",
			},
		),
		disconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "securechat_participants_disconnected_total",
				Help: "Total number of admitted participants that disconnected",
			},
		),
		handshakeRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_handshake_rejections_total",
				Help: "Total number of connections refused during the handshake by reason",
			},
			[]string{"reason"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "securechat_rate_limited_total",
				Help: "Total number of connections refused by the rate limiter",
			},
		),
		packagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_packages_received_total",
				Help: "Total number of packages received from clients by type",
			},
			[]string{"type"},
		),
		packagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_packages_sent_total",
				Help: "Total number of packages written to clients by type",
			},
			[]string{"type"},
		),
	}
}

// Handler serves this instance's metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// SetRooms updates the room count
func (m *Metrics) SetRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

// SetParticipants updates the participant count
func (m *Metrics) SetParticipants(count int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(count))
}

// RecordBroadcastFanout records how many participants received a relayed event
func (m *Metrics) RecordBroadcastFanout(packageType string, recipientCount int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(packageType).Observe(float64(recipientCount))
}

// RecordAdmitted increments the admission counter
func (m *Metrics) RecordAdmitted() {
	if m == nil {
		return
	}
	m.admitted.Inc()
}

// RecordDisconnected increments the disconnection counter
func (m *Metrics) RecordDisconnected() {
	if m == nil {
		return
	}
	m.disconnected.Inc()
}

// RecordHandshakeRejected increments the rejection counter for a reason
func (m *Metrics) RecordHandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejections.WithLabelValues(reason).Inc()
}

// RecordRateLimited increments the rate limiter counter
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RecordPackageReceived increments the received counter for a package type
func (m *Metrics) RecordPackageReceived(packageType string) {
	if m == nil {
		return
	}
	m.packagesReceived.WithLabelValues(packageType).Inc()
}

// RecordPackageSent increments the sent counter for a package type
func (m *Metrics) RecordPackageSent(packageType string) {
	if m == nil {
		return
	}
	m.packagesSent.WithLabelValues(packageType).Inc()
}
