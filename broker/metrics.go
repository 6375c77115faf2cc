package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	received  prometheus.Counter
	rejected  prometheus.Counter
	broadcast prometheus.Counter
	published prometheus.Counter
	slowDrops prometheus.Counter
	clients   prometheus.Gauge
}

// NewMetrics creates the broker collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "broker",
			Name:      "events_received_total",
			Help:      "Events submitted to the broker, valid or not.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "broker",
			Name:      "events_rejected_total",
			Help:      "Events that failed schema validation.",
		}),
		broadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "broker",
			Name:      "events_broadcast_total",
			Help:      "Valid events fanned out to stream clients.",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "broker",
			Name:      "events_published_total",
			Help:      "Valid events relayed to NATS.",
		}),
		slowDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "broker",
			Name:      "slow_clients_dropped_total",
			Help:      "Stream clients disconnected because their queue was full.",
		}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contractflow",
			Subsystem: "broker",
			Name:      "clients",
			Help:      "Connected stream clients.",
		}),
	}
}

func (m *Metrics) accepted(received, rejected, broadcast int) {
	if m == nil {
		return
	}
	m.received.Add(float64(received))
	m.rejected.Add(float64(rejected))
	m.broadcast.Add(float64(broadcast))
}

func (m *Metrics) relayed() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) slowClientDropped() {
	if m == nil {
		return
	}
	m.slowDrops.Inc()
}

func (m *Metrics) setClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}
