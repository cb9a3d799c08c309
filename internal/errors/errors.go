package errors

import "net/http"

// APIError represents a structured API error with an associated HTTP status.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Predefined API errors
var (
	ErrBadRequest         = &APIError{HTTPStatus: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "Invalid request parameters"}
	ErrInvalidJSON        = &APIError{HTTPStatus: http.StatusBadRequest, Code: "INVALID_JSON", Message: "Invalid JSON format"}
	ErrValidation         = &APIError{HTTPStatus: http.StatusBadRequest, Code: "VALIDATION_FAILED", Message: "Validation failed"}
	ErrUnauthorized       = &APIError{HTTPStatus: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Authentication required"}
	ErrForbidden          = &APIError{HTTPStatus: http.StatusForbidden, Code: "FORBIDDEN", Message: "Access denied"}
	ErrResourceNotFound   = &APIError{HTTPStatus: http.StatusNotFound, Code: "NOT_FOUND", Message: "Resource not found"}
	ErrDuplicateResource  = &APIError{HTTPStatus: http.StatusConflict, Code: "DUPLICATE_RESOURCE", Message: "Resource already exists"}
	ErrInternalServer     = &APIError{HTTPStatus: http.StatusInternalServerError, Code: "INTERNAL_SERVER_ERROR", Message: "Internal server error"}
	ErrDatabase           = &APIError{HTTPStatus: http.StatusInternalServerError, Code: "DATABASE_ERROR", Message: "Database operation failed"}
	ErrNotImplemented     = &APIError{HTTPStatus: http.StatusNotImplemented, Code: "NOT_IMPLEMENTED", Message: "Operation not implemented"}
	ErrBadGateway         = &APIError{HTTPStatus: http.StatusBadGateway, Code: "BAD_GATEWAY", Message: "Upstream service error"}
	ErrMaxRetriesExceeded = &APIError{HTTPStatus: http.StatusBadGateway, Code: "MAX_RETRIES_EXCEEDED", Message: "Upstream request failed after all retry attempts"}
	ErrNoCredentials      = &APIError{HTTPStatus: http.StatusServiceUnavailable, Code: "NO_CREDENTIALS", Message: "No upstream credentials available"}
	ErrTokenExpired       = &APIError{HTTPStatus: http.StatusServiceUnavailable, Code: "TOKEN_EXPIRED", Message: "Upstream credentials expired, please re-login with the CLI"}
)

// NewAPIError creates an APIError from a predefined error with a custom message.
func NewAPIError(base *APIError, message string) *APIError {
	return &APIError{
		HTTPStatus: base.HTTPStatus,
		Code:       base.Code,
		Message:    message,
	}
}

// NewAPIErrorWithUpstream creates an APIError that carries an upstream HTTP status.
func NewAPIErrorWithUpstream(httpStatus int, code, message string) *APIError {
	return &APIError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
	}
}

// NewValidationError creates a validation error with a custom message.
func NewValidationError(message string) *APIError {
	return NewAPIError(ErrValidation, message)
}

// NewAuthenticationError creates an authentication error with a custom message.
func NewAuthenticationError(message string) *APIError {
	return NewAPIError(ErrUnauthorized, message)
}

// NewNotFoundError creates a not found error with a custom message.
func NewNotFoundError(message string) *APIError {
	return NewAPIError(ErrResourceNotFound, message)
}

// NewForbiddenError creates a forbidden error with a custom message.
func NewForbiddenError(message string) *APIError {
	return NewAPIError(ErrForbidden, message)
}
