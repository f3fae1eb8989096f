package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homelink"

// Metrics holds every collector the client exports. One instance is built per
// process on an injected registerer.
type Metrics struct {
	connects      *prometheus.CounterVec
	disconnects   *prometheus.CounterVec
	connected     *prometheus.GaugeVec
	backoff       *prometheus.HistogramVec
	handshakes    *prometheus.CounterVec
	frames        *prometheus.CounterVec
	frameBytes    *prometheus.CounterVec
	streamsActive *prometheus.GaugeVec
	streamsTotal  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "connects_total",
				Help:      "Relay connections established.",
			},
			[]string{"name"},
		),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "disconnects_total",
				Help:      "Relay connections ended.",
			},
			[]string{"name", "clean"},
		),
		connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "up",
				Help:      "Whether the named relay connection is open.",
			},
			[]string{"name"},
		),
		backoff: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "backoff_seconds",
				Help:      "Reconnect delays chosen after a disconnect.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 3600, 86400},
			},
			[]string{"name"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tunnel",
				Name:      "handshakes_total",
				Help:      "Tunnel handshake outcomes.",
			},
			[]string{"result"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tunnel",
				Name:      "frames_received_total",
				Help:      "Frames received from the relay.",
			},
			[]string{"channel"},
		),
		frameBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tunnel",
				Name:      "received_bytes_total",
				Help:      "Frame bytes received from the relay.",
			},
			[]string{"channel"},
		),
		streamsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "webstream",
				Name:      "active",
				Help:      "Live proxied web streams.",
			},
			[]string{"kind"},
		),
		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webstream",
				Name:      "opened_total",
				Help:      "Proxied web streams opened.",
			},
			[]string{"kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Requests served by the metrics listener.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Metrics listener request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.connects, m.disconnects, m.connected, m.backoff,
		m.handshakes, m.frames, m.frameBytes,
		m.streamsActive, m.streamsTotal,
		m.httpRequests, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnConnect, OnDisconnect and OnBackoff observe connmgr.Manager.

func (m *Metrics) OnConnect(name string) {
	m.connects.WithLabelValues(name).Inc()
	m.connected.WithLabelValues(name).Set(1)
}

func (m *Metrics) OnDisconnect(name string, err error) {
	m.disconnects.WithLabelValues(name, strconv.FormatBool(err == nil)).Inc()
	m.connected.WithLabelValues(name).Set(0)
}

func (m *Metrics) OnBackoff(name string, d time.Duration) {
	m.backoff.WithLabelValues(name).Observe(d.Seconds())
}

// HandshakeResult and FrameReceived observe tunnel.Handler.

func (m *Metrics) HandshakeResult(result string) {
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) FrameReceived(channel string, bytes int) {
	m.frames.WithLabelValues(channel).Inc()
	m.frameBytes.WithLabelValues(channel).Add(float64(bytes))
}

// StreamOpened and StreamClosed observe webstream.Protocol.

func (m *Metrics) StreamOpened(kind string) {
	m.streamsActive.WithLabelValues(kind).Inc()
	m.streamsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) StreamClosed(kind string) {
	m.streamsActive.WithLabelValues(kind).Dec()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
