package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/juno-intents/yield-vault/internal/vault"
)

// errorCode maps vault errors onto HTTP status and a stable error string.
// More specific sentinels come before the ones they wrap.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, vault.ErrPaused):
		return http.StatusForbidden, "paused"
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, vault.ErrEmptyBucket):
		return http.StatusBadRequest, "empty_bucket"
	case errors.Is(err, vault.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, vault.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, vault.ErrDuplicateReport):
		return http.StatusConflict, "duplicate_report"
	case errors.Is(err, vault.ErrYieldAlreadyUpdated):
		return http.StatusConflict, "yield_already_updated"
	case errors.Is(err, vault.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, vault.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, vault.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, vault.ErrReentrant), errors.Is(err, vault.ErrVersionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *handler) writeVaultError(w http.ResponseWriter, err error) {
	code, msg := errorCode(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("vault request failed", "err", err)
	}
	writeError(w, code, msg)
}
