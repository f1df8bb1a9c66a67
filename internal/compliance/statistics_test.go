package compliance

import (
	"context"
	"errors"
	"maps"
	"testing"

	"github.com/onnwee/carevault/internal/ledger"
)

func TestStatistics_PrimeThenFollow(t *testing.T) {
	f := seedReportFixture(t)
	stats := NewStatistics()
	f.ledger.AddNotifier(stats)

	if err := stats.Prime(context.Background(), f.ledger); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	f.append(t, day(36, 0), ev("dr.jones", ledger.EventDecryptionFailure, ledger.SeverityError, ledger.SensitivityConfidential, ""))

	snap := stats.Snapshot()
	if snap.TotalEvents != 7 || snap.SecurityEvents != 3 || snap.LastSequence != 7 {
		t.Errorf("total/security/last = %d/%d/%d, want 7/3/7", snap.TotalEvents, snap.SecurityEvents, snap.LastSequence)
	}
	if want := map[string]uint64{"INFO": 3, "WARNING": 3, "ERROR": 1}; !maps.Equal(snap.BySeverity, want) {
		t.Errorf("BySeverity = %v, want %v", snap.BySeverity, want)
	}
	if n := snap.BySensitivity["PHI"]; n != 2 {
		t.Errorf("BySensitivity[PHI] = %d, want 2", n)
	}
	if snap.LastEventAt == nil || !snap.LastEventAt.Equal(day(36, 0)) {
		t.Errorf("LastEventAt = %v, want %v", snap.LastEventAt, day(36, 0))
	}
}

// interleavingSource appends through the ledger while a scan is in
// progress, the way live traffic does during startup.
type interleavingSource struct {
	Source
	during func()
}

func (s *interleavingSource) Scan(ctx context.Context, from uint64, fn func(*ledger.Entry) error) error {
	s.during()
	return s.Source.Scan(ctx, from, fn)
}

func TestStatistics_PrimeNeverDoubleCounts(t *testing.T) {
	f := seedReportFixture(t)
	stats := NewStatistics()
	f.ledger.AddNotifier(stats)

	src := &interleavingSource{Source: f.ledger, during: func() {
		f.append(t, day(40, 0), ev("nurse.kim", ledger.EventLogin, ledger.SeverityInfo, ledger.SensitivityInternal, ""))
	}}
	if err := stats.Prime(context.Background(), src); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	f.append(t, day(41, 0), ev("nurse.kim", ledger.EventLogout, ledger.SeverityInfo, ledger.SensitivityInternal, ""))

	snap := stats.Snapshot()
	if snap.TotalEvents != 8 || snap.LastSequence != 8 {
		t.Errorf("total/last = %d/%d, want 8/8", snap.TotalEvents, snap.LastSequence)
	}
	if n := snap.ByType["LOGIN"]; n != 2 {
		t.Errorf("ByType[LOGIN] = %d, want 2", n)
	}
}

type brokenSource struct{ Source }

func (brokenSource) Scan(context.Context, uint64, func(*ledger.Entry) error) error {
	return errors.New("database unavailable")
}

func TestStatistics_PrimeFailureKeepsLiveCounts(t *testing.T) {
	f := newFixture(t)
	stats := NewStatistics()
	f.ledger.AddNotifier(stats)
	f.append(t, day(1, 0), ev("a", ledger.EventLogin, ledger.SeverityInfo, ledger.SensitivityInternal, ""))

	if err := stats.Prime(context.Background(), brokenSource{f.ledger}); err == nil {
		t.Fatal("Prime() succeeded on a failing source")
	}
	if n := stats.Snapshot().TotalEvents; n != 1 {
		t.Errorf("TotalEvents = %d, want 1", n)
	}
}

func TestReporter_ServesStatistics(t *testing.T) {
	stats := NewStatistics()
	r := newTestReporter(t, newFixture(t).ledger, WithStatistics(stats))
	stats.Publish(ledger.Entry{Sequence: 1, EventType: ledger.EventLogin, Severity: ledger.SeverityInfo, Sensitivity: ledger.SensitivityInternal})

	snap := r.Statistics()
	if snap.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", snap.TotalEvents)
	}
	if snap.LastEventAt != nil {
		t.Errorf("LastEventAt = %v, want nil for a zero timestamp", snap.LastEventAt)
	}
}
