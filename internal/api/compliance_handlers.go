package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/carevault/internal/compliance"
)

// ComplianceReporter is the reporter surface used by the compliance endpoints.
type ComplianceReporter interface {
	GenerateReport(ctx context.Context, start, end time.Time, typ compliance.ReportType) (*compliance.Report, error)
	Violations(ctx context.Context, w compliance.Window) ([]compliance.Violation, error)
	SuspiciousActivity(ctx context.Context, w compliance.Window) ([]compliance.Finding, error)
	Statistics() compliance.Snapshot
}

// ComplianceHandlers serves compliance reports and detectors.
type ComplianceHandlers struct {
	reporter ComplianceReporter
	now      func() time.Time
}

// NewComplianceHandlers creates a new ComplianceHandlers instance.
func NewComplianceHandlers(reporter ComplianceReporter) *ComplianceHandlers {
	return &ComplianceHandlers{reporter: reporter, now: time.Now}
}

// ViolationsResponse lists rule violations in a window.
type ViolationsResponse struct {
	From       time.Time              `json:"from"`
	To         time.Time              `json:"to"`
	Violations []compliance.Violation `json:"violations"`
}

// SuspiciousResponse lists threshold findings in a window.
type SuspiciousResponse struct {
	From     time.Time            `json:"from"`
	To       time.Time            `json:"to"`
	Findings []compliance.Finding `json:"findings"`
}

// window applies the default range: to defaults to now, from to a day
// before to.
func (h *ComplianceHandlers) window(r *http.Request) (compliance.Window, error) {
	from, to, err := parseWindow(r)
	if err != nil {
		return compliance.Window{}, err
	}
	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-compliance.DefaultWindow)
	}
	if !from.Before(to) {
		return compliance.Window{}, compliance.ErrInvalidWindow
	}
	return compliance.Window{From: from, To: to}, nil
}

func (h *ComplianceHandlers) writeFailure(w http.ResponseWriter, r *http.Request, err error, what string) {
	ctx := r.Context()
	if errors.Is(err, compliance.ErrInvalidWindow) || errors.Is(err, compliance.ErrUnknownReportType) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	slog.ErrorContext(ctx, "compliance request failed", "what", what, "error", err)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to generate "+what)
}

// Report handles GET /compliance/report?type=SUMMARY|PHI_ACCESS|SECURITY.
func (h *ComplianceHandlers) Report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typ := compliance.ReportSummary
	if v := r.URL.Query().Get("type"); v != "" {
		t, err := compliance.ParseReportType(v)
		if err != nil {
			h.writeFailure(w, r, err, "report")
			return
		}
		typ = t
	}
	win, err := h.window(r)
	if err != nil {
		if !errors.Is(err, compliance.ErrInvalidWindow) {
			WriteValidationError(w, ctx, err)
			return
		}
		h.writeFailure(w, r, err, "report")
		return
	}

	rep, err := h.reporter.GenerateReport(ctx, win.From, win.To, typ)
	if err != nil {
		h.writeFailure(w, r, err, "report")
		return
	}
	writeJSON(w, ctx, http.StatusOK, rep)
}

// Violations handles GET /compliance/violations.
func (h *ComplianceHandlers) Violations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	win, err := h.window(r)
	if err != nil {
		if !errors.Is(err, compliance.ErrInvalidWindow) {
			WriteValidationError(w, ctx, err)
			return
		}
		h.writeFailure(w, r, err, "violations")
		return
	}
	vs, err := h.reporter.Violations(ctx, win)
	if err != nil {
		h.writeFailure(w, r, err, "violations")
		return
	}
	if vs == nil {
		vs = []compliance.Violation{}
	}
	writeJSON(w, ctx, http.StatusOK, ViolationsResponse{From: win.From, To: win.To, Violations: vs})
}

// Suspicious handles GET /compliance/suspicious.
func (h *ComplianceHandlers) Suspicious(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	win, err := h.window(r)
	if err != nil {
		if !errors.Is(err, compliance.ErrInvalidWindow) {
			WriteValidationError(w, ctx, err)
			return
		}
		h.writeFailure(w, r, err, "suspicious activity")
		return
	}
	fs, err := h.reporter.SuspiciousActivity(ctx, win)
	if err != nil {
		h.writeFailure(w, r, err, "suspicious activity")
		return
	}
	if fs == nil {
		fs = []compliance.Finding{}
	}
	writeJSON(w, ctx, http.StatusOK, SuspiciousResponse{From: win.From, To: win.To, Findings: fs})
}

// Statistics handles GET /compliance/statistics.
func (h *ComplianceHandlers) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, h.reporter.Statistics())
}
