package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/carevault/internal/archive"
	"github.com/onnwee/carevault/internal/ledger"
)

// TamperingError reports a failed integrity verification.
type TamperingError struct {
	Report ledger.IntegrityReport
}

func (e *TamperingError) Error() string {
	return fmt.Sprintf("ledger integrity check failed: %d tampered entries", e.Report.Tampered)
}

// ErrorType implements the job error classification.
func (e *TamperingError) ErrorType() string { return "tampering" }

// Verifier is the ledger surface used by IntegrityTask.
type Verifier interface {
	VerifyIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
	Record(ctx context.Context, ev ledger.Event) (ledger.Entry, error)
}

// IntegrityTask verifies the whole chain and records the outcome in the
// ledger itself: an INTEGRITY_CHECK entry on success, a CRITICAL
// SECURITY_ALERT when tampering is found.
func IntegrityTask(l Verifier, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		report, err := l.VerifyIntegrity(ctx)
		if err != nil {
			return err
		}

		if report.Intact {
			_, err := l.Record(ctx, ledger.IntegrityEvent(report))
			return err
		}

		logger.Error("audit ledger tampering detected",
			"tampered", report.Tampered,
			"violations", len(report.Violations),
			"head_sequence", report.HeadSequence)
		if _, err := l.Record(ctx, ledger.IntegrityEvent(report)); err != nil {
			logger.Error("failed to record tampering alert", "error", err)
		}
		return &TamperingError{Report: report}
	}
}

// Sweeper evicts idle rate-limit state. *ratelimit.Limiter implements it.
type Sweeper interface {
	Sweep() int
}

// SweepTask evicts idle rate-limit identities.
func SweepTask(s Sweeper, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			logger.Debug("rate limit state swept", "removed", n)
		}
		return nil
	}
}

// ArchiveTask exports newly committed ledger entries to object storage.
func ArchiveTask(a *archive.Archiver, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		res, err := a.Run(ctx)
		if err != nil {
			return err
		}
		if res.Segments > 0 {
			logger.Info("ledger archive run completed",
				"segments", res.Segments,
				"entries", res.Entries,
				"last_seq", res.LastSeq)
		}
		return nil
	}
}
