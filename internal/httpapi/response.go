package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"openpos/internal/apperr"
)

// envelope is the common response shape for every endpoint.
type envelope struct {
	Success   bool           `json:"success"`
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	Data      any            `json:"data"`
	Operation string         `json:"operation"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respond writes a success envelope.
func respond(w http.ResponseWriter, status int, operation string, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Code:      0,
		Message:   "success",
		Data:      data,
		Operation: operation,
	})
}

// respondErr maps the error's kind to an HTTP status and writes the failure
// envelope. Internal errors are logged with detail but cross the boundary as
// a generic message.
func respondErr(w http.ResponseWriter, logger *slog.Logger, operation string, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(0, "internal error")
		logger.Error("unhandled error", "operation", operation, "error", err)
	} else if appErr.Kind == apperr.KindInternal || appErr.Kind == apperr.KindDependency {
		logger.Error("request failed", "operation", operation, "error", err)
	}
	writeJSON(w, appErr.Kind.HTTPStatus(), envelope{
		Success:   false,
		Code:      appErr.Code,
		Message:   appErr.Message,
		Operation: operation,
	})
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation(1, "malformed request body: %v", err)
	}
	return nil
}
