// Package metrics exposes Prometheus instrumentation for the proxy: session
// lifecycle counts, relayed frame/byte volumes, and connect/session timings.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "speechproxy"

// Collector owns the metric instances and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	sessionsStarted *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionDuration *prometheus.HistogramVec

	framesRelayed *prometheus.CounterVec
	frameBytes    *prometheus.CounterVec

	upstreamConnect prometheus.Histogram
}

// NewCollector creates the collector and registers all metrics on a private
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of streaming sessions accepted",
			},
			[]string{"mode"},
		),
		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of streaming sessions closed, by terminal reason",
			},
			[]string{"reason"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of streaming sessions currently live",
			},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Lifetime of streaming sessions in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"mode"},
		),
		framesRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_relayed_total",
				Help:      "Total frames forwarded across the proxy",
			},
			[]string{"direction", "type"},
		),
		frameBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_bytes_total",
				Help:      "Total payload bytes forwarded across the proxy",
			},
			[]string{"direction"},
		),
		upstreamConnect: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_connect_seconds",
				Help:      "Duration of provider connection handshakes in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
	}

	c.registry.MustRegister(
		c.sessionsStarted,
		c.sessionsClosed,
		c.sessionsActive,
		c.sessionDuration,
		c.framesRelayed,
		c.frameBytes,
		c.upstreamConnect,
	)

	return c
}

// Handler returns the HTTP handler serving the metrics exposition.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionStarted records a session entering the streaming state.
func (c *Collector) SessionStarted(mode string) {
	c.sessionsStarted.WithLabelValues(mode).Inc()
	c.sessionsActive.Inc()
}

// SessionClosed records a session reaching its terminal state.
func (c *Collector) SessionClosed(mode, reason string, duration time.Duration) {
	c.sessionsClosed.WithLabelValues(reason).Inc()
	c.sessionsActive.Dec()
	c.sessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// FrameRelayed records one frame forwarded in the given direction
// ("up" for client to provider, "down" for provider to client).
func (c *Collector) FrameRelayed(direction, frameType string, payloadBytes int) {
	c.framesRelayed.WithLabelValues(direction, frameType).Inc()
	if payloadBytes > 0 {
		c.frameBytes.WithLabelValues(direction).Add(float64(payloadBytes))
	}
}

// UpstreamConnected records a completed provider handshake.
func (c *Collector) UpstreamConnected(duration time.Duration) {
	c.upstreamConnect.Observe(duration.Seconds())
}
