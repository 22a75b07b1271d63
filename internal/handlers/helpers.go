package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// errorResponse is the JSON error envelope returned by every handler.
type errorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondWithJSON sends a JSON success response.
func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}

// respondWithError maps a platform error onto an HTTP status and sends the
// JSON error envelope.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusForError(err)
	resp := errorResponse{Error: err.Error(), Code: models.ErrorCode(err)}

	var pe *models.PlatformError
	if errors.As(err, &pe) {
		resp.Error = pe.Message
		resp.Details = pe.Details
	}

	logger.Warn("HTTP handler error",
		zap.Int("status_code", status),
		zap.String("code", resp.Code),
		zap.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		logger.Error("Failed to encode error response", zap.Error(encErr))
	}
}

// statusForError maps error codes and sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrRecordNotFound),
		errors.Is(err, models.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	}

	switch models.ErrorCode(err) {
	case models.ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case models.ErrCodePaymentNotFound, models.ErrCodePaymentMismatch, models.ErrCodePaymentInvalid:
		return http.StatusPaymentRequired
	case models.ErrCodePaymentReused, models.ErrCodeInvalidState, models.ErrCodeDuplicateAsset:
		return http.StatusConflict
	case models.ErrCodeNotFound, models.ErrCodeInputNotFound:
		return http.StatusNotFound
	case models.ErrCodeUnauthorized:
		return http.StatusForbidden
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSONBody decodes a request body into dst with unknown-field
// rejection.
func decodeJSONBody(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return models.NewInvalidConfigError("body", err.Error())
	}
	return nil
}
