package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collab 汇总同步引擎的运行指标。nil 的 *Collab 可以安全调用，所有方法都是空操作。
type Collab struct {
	edits       prometheus.Counter
	saves       *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	busMessages *prometheus.CounterVec
	connections prometheus.Gauge
	dropped     prometheus.Counter
}

func New(reg prometheus.Registerer) *Collab {
	m := &Collab{
		edits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "edits_total",
			Help:      "Accepted document edits.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "saves_total",
			Help:      "Durable saves by result.",
		}, []string{"result"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "cache_errors_total",
			Help:      "State cache errors by operation.",
		}, []string{"op"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "bus_messages_total",
			Help:      "Fan-out bus messages by direction.",
		}, []string{"direction"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "connections",
			Help:      "Open websocket connections on this process.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because a client send queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.edits, m.saves, m.cacheErrors, m.busMessages, m.connections, m.dropped)
	}
	return m
}

func (m *Collab) Edit() {
	if m == nil {
		return
	}
	m.edits.Inc()
}

func (m *Collab) Save(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.saves.WithLabelValues("ok").Inc()
	} else {
		m.saves.WithLabelValues("error").Inc()
	}
}

func (m *Collab) CacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

func (m *Collab) BusMessage(direction string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(direction).Inc()
}

func (m *Collab) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Collab) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Collab) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
