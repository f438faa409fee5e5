package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/raffle-engine/internal/raffle"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/token"
)

// statusFor maps an engine or registry error onto an HTTP status.
func statusFor(err error) int {
	switch raffle.Classify(err) {
	case raffle.ErrConfiguration:
		return http.StatusBadRequest
	case raffle.ErrAuthorization:
		return http.StatusForbidden
	case raffle.ErrNotFound:
		return http.StatusNotFound
	case raffle.ErrTiming, raffle.ErrCapacity, raffle.ErrProtocol:
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, token.ErrNonexistentReceipt):
		return http.StatusNotFound
	case errors.Is(err, token.ErrNotReceiptOwner):
		return http.StatusForbidden
	case errors.Is(err, token.ErrZeroRecipient):
		return http.StatusBadRequest
	case errors.Is(err, randomness.ErrCoordinator):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with its mapped status. Unclassified errors are
// logged and reported without detail.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
