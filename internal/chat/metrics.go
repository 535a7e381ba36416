package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	sessions    prometheus.Gauge
	persisted   prometheus.Counter
	evicted     prometheus.Counter
	broadcasts  *prometheus.CounterVec
	drops       prometheus.Counter
	failures    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prismachat", Name: "connections",
			Help: "Live websocket connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prismachat", Name: "sessions",
			Help: "Connections that have joined a channel.",
		}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prismachat", Name: "messages_persisted_total",
			Help: "Messages stored and fanned out.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prismachat", Name: "messages_evicted_total",
			Help: "Messages deleted by the retention cap.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismachat", Name: "broadcasts_total",
			Help: "Broadcasts by event name.",
		}, []string{"event"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prismachat", Name: "dropped_frames_total",
			Help: "Frames dropped because a send queue was full.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prismachat", Name: "event_failures_total",
			Help: "Client events answered with an error, by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.sessions, m.persisted, m.evicted, m.broadcasts, m.drops, m.failures)
	}
	return m
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) messagePersisted() {
	if m != nil {
		m.persisted.Inc()
	}
}

func (m *Metrics) messageEvicted() {
	if m != nil {
		m.evicted.Inc()
	}
}

func (m *Metrics) broadcast(event string) {
	if m != nil {
		m.broadcasts.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *Metrics) failed(event string) {
	if m != nil {
		m.failures.WithLabelValues(event).Inc()
	}
}
