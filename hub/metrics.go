package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Eviction reasons used as the "reason" label.
const (
	EvictUnresponsive = "unresponsive"
	EvictProbeFailed  = "probe_failed"
)

// Metrics holds the hub's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	active           prometheus.Gauge
	accepted         prometheus.Counter
	evictions        *prometheus.CounterVec
	attachFailures   prometheus.Counter
	originRejections prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabws",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Connections currently registered.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabws",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Connections upgraded and registered.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabws",
			Name:      "evictions_total",
			Help:      "Connections evicted by the heartbeat.",
		}, []string{"reason"}),
		attachFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabws",
			Name:      "attach_failures_total",
			Help:      "Synchronization attach calls that failed.",
		}),
		originRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabws",
			Name:      "origin_rejections_total",
			Help:      "Upgrade requests whose origin was not admitted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.accepted, m.evictions, m.attachFailures, m.originRejections)
	}
	return m
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.active.Inc()
	m.accepted.Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) attachFailed() {
	if m == nil {
		return
	}
	m.attachFailures.Inc()
}

func (m *Metrics) originRejected() {
	if m == nil {
		return
	}
	m.originRejections.Inc()
}
