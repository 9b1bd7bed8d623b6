package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Frame pump counters
	PumpTicks     atomic.Uint64
	FramesSkipped atomic.Uint64 // grab returned no frame
	GrabErrors    atomic.Uint64

	// Connection counters
	FramesSent        atomic.Uint64
	FramesDropped     atomic.Uint64 // replaced in the outbound slot or sent while not open
	SettingsSent      atomic.Uint64
	SettingsDropped   atomic.Uint64
	BatchesReceived   atomic.Uint64
	MalformedMessages atomic.Uint64
	Connects          atomic.Uint64
	ConnectFailures   atomic.Uint64
	ConnectionsLost   atomic.Uint64

	// Latest state
	ConnectionState atomic.Uint64 // client.State value
	LastDetections  atomic.Uint64 // detections in the latest batch
	BatchIntervalMs atomic.Uint64 // time between the two latest batches

	// Preview fanout
	PreviewClients       atomic.Uint64
	PreviewFramesDropped atomic.Uint64

	lastBatch atomic.Int64 // unix nanos

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gauge struct {
	name string
	help string
	v    *atomic.Uint64
}

func (m *Metrics) gauges() []gauge {
	return []gauge{
		{"detect_pump_ticks_total", "Total frame pump ticks", &m.PumpTicks},
		{"detect_frames_skipped_total", "Ticks skipped because the source had no frame", &m.FramesSkipped},
		{"detect_grab_errors_total", "Frame grab/encode errors", &m.GrabErrors},
		{"detect_frames_sent_total", "Frames written to the inference connection", &m.FramesSent},
		{"detect_frames_dropped_total", "Frames dropped before reaching the connection", &m.FramesDropped},
		{"detect_settings_sent_total", "Settings updates written to the connection", &m.SettingsSent},
		{"detect_settings_dropped_total", "Settings updates dropped while not connected", &m.SettingsDropped},
		{"detect_batches_received_total", "Detection batches received", &m.BatchesReceived},
		{"detect_malformed_messages_total", "Inbound messages that failed to parse", &m.MalformedMessages},
		{"detect_connects_total", "Successful connection attempts", &m.Connects},
		{"detect_connect_failures_total", "Failed connection attempts", &m.ConnectFailures},
		{"detect_connections_lost_total", "Connections closed by the remote side or network", &m.ConnectionsLost},
		{"detect_connection_state", "Connection state (0=idle 1=connecting 2=open 3=closed 4=failed)", &m.ConnectionState},
		{"detect_last_batch_detections", "Detections in the most recent batch", &m.LastDetections},
		{"detect_batch_interval_ms", "Milliseconds between the two most recent batches", &m.BatchIntervalMs},
		{"detect_preview_clients", "Connected preview clients", &m.PreviewClients},
		{"detect_preview_frames_dropped_total", "Preview frames skipped for slow clients", &m.PreviewFramesDropped},
	}
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	for _, g := range m.gauges() {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ObserveBatch records the arrival of a batch with n detections.
func (m *Metrics) ObserveBatch(n int, at time.Time) {
	m.BatchesReceived.Add(1)
	m.LastDetections.Store(uint64(n))
	prev := m.lastBatch.Swap(at.UnixNano())
	if prev > 0 && at.UnixNano() > prev {
		m.BatchIntervalMs.Store(uint64(time.Duration(at.UnixNano() - prev).Milliseconds()))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
