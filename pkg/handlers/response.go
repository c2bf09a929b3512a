package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
)

// ApiResponse is the envelope for every successful JSON body.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidationErrorResponse carries field or rule level detail alongside the error code.
type ValidationErrorResponse struct {
	Error      string                 `json:"error"`
	Message    string                 `json:"message"`
	Fields     []apperrors.FieldError `json:"fields,omitempty"`
	Violations []string               `json:"violations,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteServiceError maps a service error onto a status code and JSON body.
// Unclassified errors are logged and reported as 500 without detail.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var (
		verr    *apperrors.ValidationError
		qverr   *apperrors.QueryValidationError
		subErr  *apperrors.SubstitutionError
		timeout *apperrors.QueryTimeoutError
		execErr *apperrors.QueryExecutionError
	)

	var writeErr error
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		writeErr = ErrorResponse(w, http.StatusNotFound, "not_found", "Query definition not found")
	case errors.Is(err, apperrors.ErrConflict) && errors.As(err, &verr):
		writeErr = WriteJSON(w, http.StatusConflict, ValidationErrorResponse{
			Error:   "conflict",
			Message: verr.Error(),
			Fields:  verr.Fields,
		})
	case errors.As(err, &verr):
		writeErr = WriteJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:   "validation_failed",
			Message: verr.Error(),
			Fields:  verr.Fields,
		})
	case errors.As(err, &qverr):
		writeErr = WriteJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:      "unsafe_query",
			Message:    "Query failed safety validation",
			Violations: qverr.Violations,
		})
	case errors.As(err, &subErr):
		writeErr = ErrorResponse(w, http.StatusBadRequest, "invalid_variables", subErr.Error())
	case errors.As(err, &timeout):
		writeErr = ErrorResponse(w, http.StatusGatewayTimeout, "query_timeout", timeout.Error())
	case errors.As(err, &execErr):
		// Database detail stays in the logs.
		writeErr = ErrorResponse(w, http.StatusInternalServerError, "execution_failed", "Query execution failed")
	default:
		logger.Error("Unhandled service error", zap.Error(err))
		writeErr = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}

	if writeErr != nil {
		logger.Error("Failed to write error response", zap.Error(writeErr))
	}
}
