package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stitchd/promptpulse/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storeError maps store failures to responses. Validation and not-found
// errors carry their message through; anything else is a backend problem
// whose detail goes to the log, not the client.
func storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "interaction not found")
	default:
		slog.Error("store operation failed", "op", op, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "storage backend unavailable")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
