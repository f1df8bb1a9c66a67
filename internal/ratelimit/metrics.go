package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRequests          = "rate_limit_requests_total"
	MetricBackendErrors     = "rate_limit_backend_errors_total"
	MetricEvictions         = "rate_limit_evictions_total"
	MetricTrackedIdentities = "rate_limit_tracked_identities"
	MetricConfigUpdates     = "rate_limit_config_updates_total"
)

// Metrics contains Prometheus metrics for the rate limiter.
type Metrics struct {
	requests          *prometheus.CounterVec
	backendErrors     prometheus.Counter
	evictions         prometheus.Counter
	trackedIdentities prometheus.Gauge
	configUpdates     prometheus.Counter
}

// NewMetrics creates rate limiter metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRequests,
				Help: "Rate limit decisions by result (allowed, denied, whitelisted)",
			},
			[]string{"result"},
		),
		backendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBackendErrors,
			Help: "Counter backend errors; each one is a fail-open decision",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEvictions,
			Help: "Idle identities evicted from memory",
		}),
		trackedIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricTrackedIdentities,
			Help: "Identities currently tracked in memory",
		}),
		configUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricConfigUpdates,
			Help: "Configuration swaps, including whitelist changes",
		}),
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
		m.requests,
		m.backendErrors,
		m.evictions,
		m.trackedIdentities,
		m.configUpdates,
	}
}

func (m *Metrics) incRequest(result string) {
	if m != nil {
		m.requests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incBackendError() {
	if m != nil {
		m.backendErrors.Inc()
	}
}

func (m *Metrics) recordSweep(removed, tracked int) {
	if m != nil {
		m.evictions.Add(float64(removed))
		m.trackedIdentities.Set(float64(tracked))
	}
}

func (m *Metrics) incConfigUpdate() {
	if m != nil {
		m.configUpdates.Inc()
	}
}
