// Package metrics: Prometheus collectors for sessions and frames.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ddmq"

// Direction label values.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	sessionsActive    prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	sessionErrors     *prometheus.CounterVec
	framesTotal       *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
}

// New registers collectors on reg (nil -> prometheus.DefaultRegisterer).
// Panics on duplicate registration like promauto.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions that completed the handshake.",
		}, []string{"role"}),
		sessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session failures by kind.",
		}, []string{"kind"}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames sent or received.",
		}, []string{"direction"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Wire bytes sent or received.",
		}, []string{"direction"}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from connect to Ready.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) SessionOpened(role string, handshake time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues(role).Inc()
	m.handshakeDuration.Observe(handshake.Seconds())
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SessionError counts a failure; kind is a short stable label (handshake, integrity, ...).
func (m *Metrics) SessionError(kind string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(kind).Inc()
}

// Frame counts one decoded or sent frame.
func (m *Metrics) Frame(direction string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction).Inc()
}

// Bytes counts wire bytes, handshake included.
func (m *Metrics) Bytes(direction string, n int) {
	if m == nil {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}
