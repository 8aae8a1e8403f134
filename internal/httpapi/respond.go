package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/comigor/khitab/internal/conversation"
	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/logger"
	"github.com/comigor/khitab/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps an operation error to its HTTP status and client message.
// Unexpected errors are reported without detail.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errValidation), errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session not found or expired"
	case errors.Is(err, session.ErrConflict):
		return http.StatusConflict, "session already exists"
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout, "letter generation timed out"
	case errors.Is(err, llm.ErrGenerationFailed):
		return http.StatusBadGateway, "letter generation failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "request canceled"
	case errors.Is(err, errNoSink):
		return http.StatusServiceUnavailable, "no document archive is configured"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	// a client that went away is not a server failure
	if status >= http.StatusInternalServerError && r.Context().Err() == nil {
		logger.L.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.L.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, message, status)
}
