package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ledger"
)

// KeyManager is the encryption engine surface used by the key endpoints.
// *encryption.Engine implements it.
type KeyManager interface {
	KeyInfo() keystore.Info
	RotateKeys(ctx context.Context) (uint32, error)
}

// KeyHandlers serves key metadata and rotation.
type KeyHandlers struct {
	keys KeyManager
}

// NewKeyHandlers creates a new KeyHandlers instance.
func NewKeyHandlers(keys KeyManager) *KeyHandlers {
	return &KeyHandlers{keys: keys}
}

// RotationResponse is returned by POST /keys/rotate.
type RotationResponse struct {
	ActiveVersion uint32        `json:"active_version"`
	Info          keystore.Info `json:"info"`
}

// Info handles GET /keys/info. Key material is never included.
func (h *KeyHandlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, h.keys.KeyInfo())
}

// Rotate handles POST /keys/rotate.
func (h *KeyHandlers) Rotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	version, err := h.keys.RotateKeys(ctx)
	if err != nil {
		if ledger.IsAppendFailure(err) {
			// The new version is active; only its audit record is missing.
			slog.ErrorContext(ctx, "key rotation not recorded", "error", err, "active_version", version)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeAuditFailed, "Key rotated but the audit record could not be written")
			return
		}
		slog.ErrorContext(ctx, "key rotation failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Key rotation failed")
		return
	}
	writeJSON(w, ctx, http.StatusOK, RotationResponse{ActiveVersion: version, Info: h.keys.KeyInfo()})
}
