package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricSubscribers     = "audit_stream_subscribers"
	MetricEventsDelivered = "audit_stream_events_delivered_total"
	MetricDisconnects     = "audit_stream_disconnects_total"
)

// Metrics contains Prometheus metrics for the audit stream broker.
type Metrics struct {
	subscribers     prometheus.Gauge
	eventsDelivered prometheus.Counter
	disconnects     *prometheus.CounterVec
}

// NewMetrics creates broker metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSubscribers,
			Help: "Live audit stream subscribers",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsDelivered,
			Help: "Entries queued to subscriber buffers",
		}),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDisconnects,
				Help: "Subscriber disconnects by reason (closed, slow_consumer, shutdown)",
			},
			[]string{"reason"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.subscribers,
		m.eventsDelivered,
		m.disconnects,
	}
}

func (m *Metrics) setSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) incDelivered() {
	if m != nil {
		m.eventsDelivered.Inc()
	}
}

func (m *Metrics) incDisconnect(reason string) {
	if m != nil {
		m.disconnects.WithLabelValues(reason).Inc()
	}
}
