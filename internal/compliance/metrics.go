package compliance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricReports     = "compliance_reports_total"
	MetricViolations  = "compliance_violations_found_total"
	MetricFindings    = "compliance_suspicious_findings_total"
	MetricReadRetries = "compliance_ledger_read_retries_total"
)

// Metrics contains Prometheus metrics for the compliance reporter.
type Metrics struct {
	reports     *prometheus.CounterVec
	violations  *prometheus.CounterVec
	findings    *prometheus.CounterVec
	readRetries prometheus.Counter
}

// NewMetrics creates compliance metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReports,
				Help: "Total compliance reports generated by type",
			},
			[]string{"type"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricViolations,
				Help: "Total rule violations reported by rule id",
			},
			[]string{"rule"},
		),
		findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFindings,
				Help: "Total suspicious-activity findings by threshold",
			},
			[]string{"threshold"},
		),
		readRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReadRetries,
			Help: "Total retried ledger reads",
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
	return []prometheus.Collector{m.reports, m.violations, m.findings, m.readRetries}
}

func (m *Metrics) recordReport(t ReportType) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) recordViolation(rule string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(rule).Inc()
}

func (m *Metrics) recordFinding(threshold string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(threshold).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.readRetries.Inc()
}
