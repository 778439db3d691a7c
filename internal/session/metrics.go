package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the manager's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	active    prometheus.Gauge
	evictions prometheus.Counter
	lines     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xapi",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xapi",
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session is active.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xapi",
			Subsystem: "session",
			Name:      "evictions_total",
			Help:      "Occupant evictions requested.",
		}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xapi",
			Subsystem: "session",
			Name:      "protocol_lines_total",
			Help:      "Protocol lines by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.active, m.evictions, m.lines)
	}
	return m
}

func (m *Metrics) attempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.active.Set(1)
	} else {
		m.active.Set(0)
	}
}

func (m *Metrics) eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) line(direction string) {
	if m != nil {
		m.lines.WithLabelValues(direction).Inc()
	}
}
