package encryption

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricOperations         = "encryption_operations_total"
	MetricDecryptionFailures = "encryption_decryption_failures_total"
	MetricKeyRotations       = "encryption_key_rotations_total"
	MetricActiveKeyVersion   = "encryption_active_key_version"
)

// Metrics contains Prometheus metrics for the encryption engine.
type Metrics struct {
	operations         *prometheus.CounterVec
	decryptionFailures *prometheus.CounterVec
	keyRotations       prometheus.Counter
	activeKeyVersion   prometheus.Gauge
}

// NewMetrics creates encryption metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOperations,
				Help: "Encrypt and decrypt operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		decryptionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDecryptionFailures,
				Help: "Field decryption failures by reason",
			},
			[]string{"reason"},
		),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricKeyRotations,
			Help: "Successful data key rotations",
		}),
		activeKeyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveKeyVersion,
			Help: "Version of the key new data is encrypted under",
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
		m.operations,
		m.decryptionFailures,
		m.keyRotations,
		m.activeKeyVersion,
	}
}

func (m *Metrics) recordOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) recordFailure(reason string) {
	if m != nil {
		m.decryptionFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) recordRotation(version uint32) {
	if m != nil {
		m.keyRotations.Inc()
		m.activeKeyVersion.Set(float64(version))
	}
}

func (m *Metrics) setActiveVersion(version uint32) {
	if m != nil {
		m.activeKeyVersion.Set(float64(version))
	}
}
