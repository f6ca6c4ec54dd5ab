package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons reported by RecordDropped.
const (
	DropMalformed = "malformed"
	DropDuplicate = "duplicate"
	DropNoise     = "noise"
	DropOversized = "oversized"
	DropStopped   = "stopped"
)

// Metrics holds the Prometheus metrics for the flow engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	recordsReceived  prometheus.Counter
	recordsDropped   *prometheus.CounterVec
	classifications  *prometheus.CounterVec
	flushes          *prometheus.CounterVec
	buffersOpen      prometheus.Gauge
	asyncOpen        prometheus.Gauge
	evictions        *prometheus.CounterVec
	ingestConns      prometheus.Gauge
	subscribers      *prometheus.GaugeVec
	broadcastSent    *prometheus.CounterVec
	broadcastDropped *prometheus.CounterVec
	configReloads    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		recordsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flow_records_received_total",
				Help: "Total number of telemetry lines received",
			},
		),

		recordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_records_dropped_total",
				Help: "Total number of telemetry records dropped by reason",
			},
			[]string{"reason"},
		),

		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_classifications_total",
				Help: "Total number of records classified by protocol family",
			},
			[]string{"family"},
		),

		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_flushes_total",
				Help: "Total number of buffer flushes by reason",
			},
			[]string{"reason"},
		),

		buffersOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flow_buffers_open",
				Help: "Number of transaction buffers currently accumulating",
			},
		),

		asyncOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flow_async_entries_open",
				Help: "Number of asynchronous exchanges awaiting consumption",
			},
		),

		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_evictions_total",
				Help: "Total number of bounded-structure evictions",
			},
			[]string{"structure"},
		),

		ingestConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flow_ingest_connections",
				Help: "Number of open ingestion connections",
			},
		),

		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flow_subscribers",
				Help: "Number of connected subscribers by kind",
			},
			[]string{"kind"},
		),

		broadcastSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_broadcast_messages_total",
				Help: "Total number of messages queued to subscribers by type",
			},
			[]string{"type"},
		),

		broadcastDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_broadcast_dropped_total",
				Help: "Total number of messages dropped for slow subscribers by type",
			},
			[]string{"type"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.recordsReceived,
		m.recordsDropped,
		m.classifications,
		m.flushes,
		m.buffersOpen,
		m.asyncOpen,
		m.evictions,
		m.ingestConns,
		m.subscribers,
		m.broadcastSent,
		m.broadcastDropped,
		m.configReloads,
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordReceived counts one received line.
func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.recordsReceived.Inc()
}

// RecordDropped counts one dropped record.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.recordsDropped.WithLabelValues(reason).Inc()
}

// RecordClassification counts one classified record.
func (m *Metrics) RecordClassification(family string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(family).Inc()
}

// RecordFlush counts one flush.
func (m *Metrics) RecordFlush(reason string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(reason).Inc()
}

// SetOpen updates the open buffer and async entry gauges.
func (m *Metrics) SetOpen(buffers, async int) {
	if m == nil {
		return
	}
	m.buffersOpen.Set(float64(buffers))
	m.asyncOpen.Set(float64(async))
}

// RecordEviction counts evictions from a bounded structure.
func (m *Metrics) RecordEviction(structure string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(structure).Add(float64(n))
}

// IngestConnectionOpened increments the open connection gauge.
func (m *Metrics) IngestConnectionOpened() {
	if m == nil {
		return
	}
	m.ingestConns.Inc()
}

// IngestConnectionClosed decrements the open connection gauge.
func (m *Metrics) IngestConnectionClosed() {
	if m == nil {
		return
	}
	m.ingestConns.Dec()
}

// SubscriberAdded increments the subscriber gauge for kind.
func (m *Metrics) SubscriberAdded(kind string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(kind).Inc()
}

// SubscriberRemoved decrements the subscriber gauge for kind.
func (m *Metrics) SubscriberRemoved(kind string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(kind).Dec()
}

// RecordBroadcast counts messages queued and dropped for one publish.
func (m *Metrics) RecordBroadcast(msgType string, sent, dropped int) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.broadcastSent.WithLabelValues(msgType).Add(float64(sent))
	}
	if dropped > 0 {
		m.broadcastDropped.WithLabelValues(msgType).Add(float64(dropped))
	}
}

// RecordConfigReload counts one reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.configReloads.WithLabelValues(status).Inc()
}
