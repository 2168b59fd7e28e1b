package httpserver

import (
	"errors"
	"net/http"
	"time"

	fabricauth "github.com/wisbric/nightowl/pkg/auth"
	"github.com/wisbric/nightowl/pkg/fabric/store"
	"github.com/wisbric/nightowl/pkg/ledger"
)

const timeLayout = time.RFC3339

// respondStoreError maps the store/auth/ledger sentinel errors to the HTTP
// status codes spec.md's error taxonomy assigns them.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrAlreadyFailed):
		RespondError(w, http.StatusConflict, "already_failed", err.Error())
	case errors.Is(err, store.ErrNoActiveAssignment):
		RespondError(w, http.StatusConflict, "no_active_assignment", err.Error())
	case errors.Is(err, fabricauth.ErrInvalidClaimKey):
		RespondError(w, http.StatusConflict, "invalid_claim_key", err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		RespondError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		RespondError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
