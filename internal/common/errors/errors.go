// Package errors provides typed application errors shared across components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeInvalid      = "INVALID"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeRuntime      = "RUNTIME_ERROR"
	ErrCodeNetwork      = "NETWORK_ERROR"
	ErrCodeAuthRequired = "AUTH_REQUIRED"
	ErrCodeAuth         = "AUTH_FAILED"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeLimitReached = "LIMIT_REACHED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
// Path is set for validation errors and points at the offending config key.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Path       string `json:"path,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Invalid creates a validation error pointing at a config or request path.
func Invalid(path, message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalid,
		Message:    message,
		Path:       path,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a conflict error (state machine refusal, unique constraint).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Runtime creates an error for container daemon or filesystem failures.
func Runtime(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRuntime,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Network creates an error for external fetch failures.
func Network(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeNetwork,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// AuthRequired creates an error signaling the caller must (re)authorize.
func AuthRequired(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthRequired,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Auth creates an error for failed authentication or authorization.
func Auth(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAuth,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
		Err:        err,
	}
}

// Timeout creates an error for an exceeded deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// LimitReached creates an error for a hit per-resource cap.
func LimitReached(message string) *AppError {
	return &AppError{
		Code:       ErrCodeLimitReached,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Internal creates an internal error with a wrapped underlying cause.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If the error is already an AppError, its code and status are preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Path:       appErr.Path,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf returns the machine-readable code for an error, or INTERNAL_ERROR
// when the error carries no code.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsInvalid checks if the error is a validation error.
func IsInvalid(err error) bool {
	return CodeOf(err) == ErrCodeInvalid
}

// IsAuthRequired checks if the error signals missing authorization.
func IsAuthRequired(err error) bool {
	return CodeOf(err) == ErrCodeAuthRequired
}

// IsLimitReached checks if the error is a resource cap refusal.
func IsLimitReached(err error) bool {
	return CodeOf(err) == ErrCodeLimitReached
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
