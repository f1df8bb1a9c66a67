package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/carevault/internal/tracing"
)

// ViolationKind classifies an integrity failure.
type ViolationKind string

const (
	// ViolationContentAltered means the stored hash does not match the entry content.
	ViolationContentAltered ViolationKind = "content_altered"
	// ViolationLinkBroken means prevHash does not match the previous entry's stored hash.
	ViolationLinkBroken ViolationKind = "link_broken"
	// ViolationSequenceGap means one or more sequence numbers are missing.
	ViolationSequenceGap ViolationKind = "sequence_gap"
)

// Violation describes one integrity failure.
type Violation struct {
	Sequence uint64        `json:"sequence"`
	Kind     ViolationKind `json:"kind"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
}

// IntegrityReport is the outcome of a full-chain verification.
type IntegrityReport struct {
	Checked      int         `json:"checked"`
	Tampered     int         `json:"tampered"`
	Intact       bool        `json:"intact"`
	Violations   []Violation `json:"violations,omitempty"`
	HeadSequence uint64      `json:"head_sequence"`
	HeadHash     string      `json:"head_hash,omitempty"`
	HashPolicy   string      `json:"hash_policy"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
}

// TamperedSequences returns the distinct sequence numbers with content or
// link violations, in ascending order.
func (r IntegrityReport) TamperedSequences() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, v := range r.Violations {
		if v.Kind == ViolationSequenceGap || seen[v.Sequence] {
			continue
		}
		seen[v.Sequence] = true
		out = append(out, v.Sequence)
	}
	return out
}

// VerifyIntegrity walks the whole chain from genesis, recomputing every hash
// and checking every link. Tampered counts distinct entries with a content or
// link violation; sequence gaps are reported but not counted as tampered.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (report IntegrityReport, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ledger.verify_integrity")
	defer func() { endSpan(err) }()

	report = IntegrityReport{
		HashPolicy: l.hasher.Name(),
		StartedAt:  l.now().UTC(),
	}

	expectedSeq := uint64(1)
	prevHash := GenesisHash

	err = l.store.Scan(ctx, 1, func(e *Entry) error {
		report.Checked++

		if e.Sequence != expectedSeq {
			report.Violations = append(report.Violations, Violation{
				Sequence: e.Sequence,
				Kind:     ViolationSequenceGap,
				Expected: fmt.Sprintf("%d", expectedSeq),
				Actual:   fmt.Sprintf("%d", e.Sequence),
			})
		}

		// Stored content that no valid event could produce counts as altered.
		recomputed, err := computeHash(l.hasher, e)
		if err != nil && !errors.Is(err, ErrInvalidEvent) {
			return err
		}
		if err != nil || recomputed != e.Hash {
			report.Violations = append(report.Violations, Violation{
				Sequence: e.Sequence,
				Kind:     ViolationContentAltered,
				Expected: recomputed,
				Actual:   e.Hash,
			})
		}
		if e.PrevHash != prevHash {
			report.Violations = append(report.Violations, Violation{
				Sequence: e.Sequence,
				Kind:     ViolationLinkBroken,
				Expected: prevHash,
				Actual:   e.PrevHash,
			})
		}

		prevHash = e.Hash
		expectedSeq = e.Sequence + 1
		report.HeadSequence = e.Sequence
		report.HeadHash = e.Hash
		return nil
	})
	if err != nil {
		l.metrics.recordVerify("error", 0, 0)
		return IntegrityReport{}, fmt.Errorf("verify ledger: %w", err)
	}

	report.Tampered = len(report.TamperedSequences())
	report.Intact = len(report.Violations) == 0
	report.CompletedAt = l.now().UTC()

	tracing.SetAttributes(ctx,
		attribute.Int("ledger.checked", report.Checked),
		attribute.Int64("ledger.head_sequence", int64(report.HeadSequence)))

	outcome := "intact"
	if !report.Intact {
		outcome = "tampered"
		tracing.AddEvent(ctx, "tampering_detected",
			attribute.Int("ledger.tampered", report.Tampered),
			attribute.Int("ledger.violations", len(report.Violations)))
		l.logger.WarnContext(ctx, "ledger integrity violations detected",
			slog.Int("checked", report.Checked),
			slog.Int("tampered", report.Tampered),
			slog.Int("violations", len(report.Violations)),
		)
	}
	l.metrics.recordVerify(outcome, report.Checked, report.Tampered)

	return report, nil
}

// IntegrityEvent returns the ledger event recording a verification outcome:
// an INFO INTEGRITY_CHECK when the chain is intact, a CRITICAL
// SECURITY_ALERT otherwise.
func IntegrityEvent(r IntegrityReport) Event {
	details := map[string]string{
		"checked":       strconv.Itoa(r.Checked),
		"head_sequence": strconv.FormatUint(r.HeadSequence, 10),
		"hash_policy":   r.HashPolicy,
	}
	if r.Intact {
		return Event{
			Type:        EventIntegrityCheck,
			Severity:    SeverityInfo,
			Sensitivity: SensitivityInternal,
			Details:     details,
		}
	}
	details["tampered"] = strconv.Itoa(r.Tampered)
	details["violations"] = strconv.Itoa(len(r.Violations))
	if tampered := r.TamperedSequences(); len(tampered) > 0 {
		details["first_tampered_sequence"] = strconv.FormatUint(tampered[0], 10)
	}
	return Event{
		Type:        EventSecurityAlert,
		Severity:    SeverityCritical,
		Sensitivity: SensitivityConfidential,
		Details:     details,
	}
}
