package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"errtally/internal/domain"
)

// Error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// StatusFor maps a failure to its HTTP status
func StatusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}

	switch domain.KindOf(err) {
	case domain.KindMalformedInput:
		return http.StatusBadRequest
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode JSON", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, message, details string, statusCode int) {
	writeJSON(w, logger, ErrorResponse{Error: message, Details: details}, statusCode)
}

// writeFailure renders err with the status of its kind. Server-side
// failures are logged; their details are not exposed.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *zap.Logger, message string, err error) {
	status := StatusFor(err)
	details := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		details = ""
	}
	writeError(w, logger, message, details, status)
}
