package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/carevault/internal/ledger"
	"github.com/onnwee/carevault/internal/middleware"
)

// AuditLedger is the ledger surface used by the audit endpoints.
type AuditLedger interface {
	Query(ctx context.Context, f ledger.Filter, p ledger.PageRequest) (ledger.Page, error)
	VerifyEvent(ctx context.Context, seq uint64) (bool, error)
	VerifyIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
	Record(ctx context.Context, ev ledger.Event) (ledger.Entry, error)
}

// AuditHandlers serves audit ledger queries and verification.
type AuditHandlers struct {
	ledger AuditLedger
}

// NewAuditHandlers creates a new AuditHandlers instance.
func NewAuditHandlers(l AuditLedger) *AuditHandlers {
	return &AuditHandlers{ledger: l}
}

// EntryVerification is the response of the single-entry verify endpoint.
type EntryVerification struct {
	Sequence uint64 `json:"sequence"`
	Valid    bool   `json:"valid"`
}

// ListEntries handles GET /audit/entries.
func (h *AuditHandlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseFilter(r)
	if err != nil {
		WriteValidationError(w, ctx, err)
		return
	}
	p, err := parsePage(r)
	if err != nil {
		WriteValidationError(w, ctx, err)
		return
	}

	page, err := h.ledger.Query(ctx, f, p)
	if err != nil {
		slog.ErrorContext(ctx, "failed to query audit ledger", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to query audit entries")
		return
	}
	if page.Entries == nil {
		page.Entries = []ledger.Entry{}
	}
	writeJSON(w, ctx, http.StatusOK, page)
}

// VerifyEntry handles GET /audit/entries/{seq}/verify.
func (h *AuditHandlers) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil || seq == 0 {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Sequence must be a positive integer")
		return
	}

	valid, err := h.ledger.VerifyEvent(ctx, seq)
	if err != nil {
		if ledger.IsNotFound(err) {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Audit entry not found")
			return
		}
		slog.ErrorContext(ctx, "failed to verify audit entry", "error", err, "sequence", seq)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to verify audit entry")
		return
	}
	writeJSON(w, ctx, http.StatusOK, EntryVerification{Sequence: seq, Valid: valid})
}

// VerifyIntegrity handles POST /audit/verify. The full report names
// tampered sequences and is served to administrators only; the outcome is
// recorded in the ledger before the report is returned.
func (h *AuditHandlers) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.ledger.VerifyIntegrity(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "integrity verification failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Integrity verification failed")
		return
	}

	ev := ledger.EventFromRequest(r, ledger.IntegrityEvent(report))
	if _, err := h.ledger.Record(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "failed to record integrity verification", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeAuditFailed, "Failed to record audit event")
		return
	}
	if !report.Intact {
		slog.WarnContext(ctx, "integrity verification found tampering",
			"actor", middleware.GetActor(ctx),
			"tampered", report.Tampered)
	}
	writeJSON(w, ctx, http.StatusOK, report)
}
