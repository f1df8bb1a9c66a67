package jobs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, vec *prometheus.HistogramVec, label string) uint64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.IncJobsTotal(JobTypeIntegrityVerify, StatusSuccess)
	m.ObserveJobDuration(JobTypeIntegrityVerify, 0.2)
	m.IncJobErrors(JobTypeLedgerArchive, "timeout")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := make(map[string]bool)
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{MetricBackgroundJobsTotal, MetricBackgroundJobsDuration, MetricBackgroundJobErrorsTotal} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}

	if err := NewMetrics().Register(reg); err == nil {
		t.Error("duplicate Register() succeeded")
	}
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()
	tests := []struct {
		jobType string
		status  string
		count   int
	}{
		{JobTypeIntegrityVerify, StatusSuccess, 3},
		{JobTypeIntegrityVerify, StatusFailure, 1},
		{JobTypeRateLimitSweep, StatusSuccess, 7},
		{JobTypeLedgerArchive, StatusFailure, 2},
	}
	for _, tt := range tests {
		for i := 0; i < tt.count; i++ {
			m.IncJobsTotal(tt.jobType, tt.status)
			m.ObserveJobDuration(tt.jobType, 0.1)
		}
		if got := counterValue(t, m.jobsTotal, tt.jobType, tt.status); got != float64(tt.count) {
			t.Errorf("%s/%s = %v, want %d", tt.jobType, tt.status, got, tt.count)
		}
	}
	if got := histogramCount(t, m.jobsDuration, JobTypeIntegrityVerify); got != 4 {
		t.Errorf("integrity duration samples = %d, want 4", got)
	}
}
