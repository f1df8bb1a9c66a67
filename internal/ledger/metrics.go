package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricAppends         = "ledger_appends_total"
	MetricAppendDuration  = "ledger_append_duration_seconds"
	MetricHeadSequence    = "ledger_head_sequence"
	MetricVerifyRuns      = "ledger_verify_runs_total"
	MetricTamperedEntries = "ledger_tampered_entries"
	MetricVerifiedEntries = "ledger_verified_entries"
)

// Metrics contains Prometheus metrics for the ledger.
type Metrics struct {
	appends         *prometheus.CounterVec
	appendDuration  prometheus.Histogram
	headSequence    prometheus.Gauge
	verifyRuns      *prometheus.CounterVec
	tamperedEntries prometheus.Gauge
	verifiedEntries prometheus.Gauge
}

// NewMetrics creates ledger metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppends,
				Help: "Total ledger append attempts by result (success, invalid, failure)",
			},
			[]string{"result"},
		),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAppendDuration,
			Help:    "Duration of ledger appends in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		headSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricHeadSequence,
			Help: "Sequence number of the newest committed entry",
		}),
		verifyRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifyRuns,
				Help: "Total full-chain verifications by outcome (intact, tampered, error)",
			},
			[]string{"outcome"},
		),
		tamperedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricTamperedEntries,
			Help: "Tampered entries found by the most recent verification",
		}),
		verifiedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricVerifiedEntries,
			Help: "Entries checked by the most recent verification",
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
		m.appends,
		m.appendDuration,
		m.headSequence,
		m.verifyRuns,
		m.tamperedEntries,
		m.verifiedEntries,
	}
}

func (m *Metrics) recordAppend(result string, seconds float64) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(result).Inc()
	if result == "success" {
		m.appendDuration.Observe(seconds)
	}
}

func (m *Metrics) setHead(seq uint64) {
	if m == nil {
		return
	}
	m.headSequence.Set(float64(seq))
}

func (m *Metrics) recordVerify(outcome string, checked, tampered int) {
	if m == nil {
		return
	}
	m.verifyRuns.WithLabelValues(outcome).Inc()
	if outcome != "error" {
		m.verifiedEntries.Set(float64(checked))
		m.tamperedEntries.Set(float64(tampered))
	}
}
