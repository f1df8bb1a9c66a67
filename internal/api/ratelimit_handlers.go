package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/carevault/internal/ledger"
	"github.com/onnwee/carevault/internal/ratelimit"
)

// RateLimitAdmin is the limiter surface used by the admin endpoints.
// *ratelimit.Limiter implements it.
type RateLimitAdmin interface {
	Config() ratelimit.Config
	UpdateConfig(cfg ratelimit.Config) error
	AddToWhitelist(ids ...string)
	RemoveFromWhitelist(ids ...string)
	Info(ctx context.Context, id string) (ratelimit.Info, error)
}

// EventRecorder appends audit events. *ledger.Ledger implements it.
type EventRecorder interface {
	Record(ctx context.Context, ev ledger.Event) (ledger.Entry, error)
}

// RateLimitHandlers serves rate limiter administration. Every change is
// recorded as a CONFIG_CHANGE event before it is applied.
type RateLimitHandlers struct {
	limiter  RateLimitAdmin
	recorder EventRecorder
}

// NewRateLimitHandlers creates a new RateLimitHandlers instance.
func NewRateLimitHandlers(limiter RateLimitAdmin, recorder EventRecorder) *RateLimitHandlers {
	return &RateLimitHandlers{limiter: limiter, recorder: recorder}
}

// RateLimitConfig is the wire form of the limiter config. Window is a Go
// duration string such as "1m".
type RateLimitConfig struct {
	Limit      int      `json:"limit"`
	Window     string   `json:"window"`
	Whitelist  []string `json:"whitelist"`
	IdleFactor int      `json:"idle_factor,omitempty"`
}

// UpdateRateLimitRequest is the body of PUT /ratelimit/config. Omitted
// fields keep their current values.
type UpdateRateLimitRequest struct {
	Limit      *int      `json:"limit"`
	Window     *string   `json:"window"`
	Whitelist  *[]string `json:"whitelist"`
	IdleFactor *int      `json:"idle_factor"`
}

// WhitelistRequest is the body of POST /ratelimit/whitelist.
type WhitelistRequest struct {
	Identities []string `json:"identities"`
}

func toWire(c ratelimit.Config) RateLimitConfig {
	wl := c.Whitelist
	if wl == nil {
		wl = []string{}
	}
	return RateLimitConfig{
		Limit:      c.Limit,
		Window:     c.Window.String(),
		Whitelist:  wl,
		IdleFactor: c.IdleFactor,
	}
}

// GetConfig handles GET /ratelimit/config.
func (h *RateLimitHandlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, toWire(h.limiter.Config()))
}

// UpdateConfig handles PUT /ratelimit/config.
func (h *RateLimitHandlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpdateRateLimitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	cfg := h.limiter.Config()
	if req.Limit != nil {
		cfg.Limit = *req.Limit
	}
	if req.Window != nil {
		d, err := time.ParseDuration(*req.Window)
		if err != nil {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "window must be a duration such as 1m")
			return
		}
		cfg.Window = d
	}
	if req.Whitelist != nil {
		if err := checkIdentities(*req.Whitelist...); err != nil {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		cfg.Whitelist = *req.Whitelist
	}
	if req.IdleFactor != nil {
		cfg.IdleFactor = *req.IdleFactor
	}
	if err := cfg.Validate(); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if !h.record(w, r, map[string]string{
		"setting":   "ratelimit",
		"limit":     strconv.Itoa(cfg.Limit),
		"window":    cfg.Window.String(),
		"whitelist": strconv.Itoa(len(cfg.Whitelist)),
	}) {
		return
	}
	if err := h.limiter.UpdateConfig(cfg); err != nil {
		if errors.Is(err, ratelimit.ErrInvalidConfig) {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		slog.ErrorContext(ctx, "failed to update rate limit config", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to update config")
		return
	}
	writeJSON(w, ctx, http.StatusOK, toWire(h.limiter.Config()))
}

// AddToWhitelist handles POST /ratelimit/whitelist.
func (h *RateLimitHandlers) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req WhitelistRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	ids := make([]string, 0, len(req.Identities))
	for _, id := range req.Identities {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "identities must not be empty")
		return
	}
	if err := checkIdentities(ids...); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if !h.record(w, r, map[string]string{
		"setting":    "ratelimit.whitelist",
		"action":     "add",
		"identities": strings.Join(ids, ","),
	}) {
		return
	}
	h.limiter.AddToWhitelist(ids...)
	writeJSON(w, ctx, http.StatusOK, toWire(h.limiter.Config()))
}

// RemoveFromWhitelist handles DELETE /ratelimit/whitelist/{identity}.
func (h *RateLimitHandlers) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("identity"))
	if id == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Identity is required")
		return
	}
	if err := checkIdentities(id); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if !h.record(w, r, map[string]string{
		"setting":    "ratelimit.whitelist",
		"action":     "remove",
		"identities": id,
	}) {
		return
	}
	h.limiter.RemoveFromWhitelist(id)
	writeJSON(w, ctx, http.StatusOK, toWire(h.limiter.Config()))
}

// Info handles GET /ratelimit/info/{identity}.
func (h *RateLimitHandlers) Info(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("identity"))
	if id == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Identity is required")
		return
	}
	if err := checkIdentities(id); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	info, err := h.limiter.Info(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read rate limit state", "error", err, "identity", id)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to read rate limit state")
		return
	}
	writeJSON(w, ctx, http.StatusOK, info)
}

// record appends a CONFIG_CHANGE event and reports whether the change may
// proceed. On failure the error response has been written.
func (h *RateLimitHandlers) record(w http.ResponseWriter, r *http.Request, details map[string]string) bool {
	ev := ledger.EventFromRequest(r, ledger.Event{
		Type:        ledger.EventConfigChange,
		Severity:    ledger.SeverityWarning,
		Sensitivity: ledger.SensitivityInternal,
		Details:     details,
	})
	if _, err := h.recorder.Record(r.Context(), ev); err != nil {
		if errors.Is(err, ledger.ErrInvalidEvent) {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
			return false
		}
		slog.ErrorContext(r.Context(), "failed to record config change", "error", err)
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeAuditFailed, "Failed to record audit event")
		return false
	}
	return true
}

// checkIdentities rejects identities the audit ledger cannot store verbatim.
func checkIdentities(ids ...string) error {
	for _, id := range ids {
		if err := ledger.CheckText(id); err != nil {
			return fmt.Errorf("identity %q %w", id, err)
		}
	}
	return nil
}
