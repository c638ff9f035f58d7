package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"companion-backend/internal/models"
	"companion-backend/internal/services"
)

// Shared helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

// handleServiceError maps engine sentinel errors onto the error envelope.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrNotAssistant):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
	case errors.Is(err, services.ErrInvalidCompanion):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", map[string]string{
			"name":    "required",
			"subject": "required",
			"topic":   "required",
		}, r))
	case errors.Is(err, services.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", err.Error(), r))
	case errors.Is(err, services.ErrMicrophoneDenied):
		writeJSON(w, http.StatusForbidden, errorResp("MICROPHONE_DENIED", err.Error(), r))
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrMessageNotFound),
		errors.Is(err, services.ErrCompanionNotFound),
		errors.Is(err, services.ErrModuleNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", err.Error(), r))
	case errors.Is(err, services.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResp("BUSY", err.Error(), r))
	case errors.Is(err, services.ErrModuleLocked):
		writeJSON(w, http.StatusConflict, errorResp("MODULE_LOCKED", err.Error(), r))
	case errors.Is(err, services.ErrSessionNotActive),
		errors.Is(err, services.ErrSessionActive):
		writeJSON(w, http.StatusConflict, errorResp("CONFLICT", err.Error(), r))
	default:
		log.Printf("Unhandled error on %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
