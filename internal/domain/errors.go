// Package domain provides the conversation, outcome and canonical error types
// shared by the gateway, the upstream client and the chat frontdoor.
package domain

import (
	"fmt"
	"net/http"
)

// StatusOverloaded is the non-standard status Anthropic uses when the
// service is temporarily unable to accept more load.
const StatusOverloaded = 529

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a permission/authorization failure.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the service is overloaded.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// APIError is the canonical error returned for a failed upstream call.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the HTTP status reported by the upstream service.
	// Zero when the error was synthesized locally.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the upstream status code, or the default status for
// the error type when none was recorded.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return StatusOverloaded
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithStatusCode records the upstream HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrorTypeFromStatus maps an HTTP status code to an error type.
func ErrorTypeFromStatus(code int) ErrorType {
	switch {
	case code == StatusOverloaded:
		return ErrorTypeOverloaded
	case code == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case code == http.StatusForbidden:
		return ErrorTypePermission
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeInvalidRequest
	}
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message).WithStatusCode(http.StatusUnauthorized)
}

// ErrOverloaded creates an overloaded error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).WithStatusCode(StatusOverloaded)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message).WithStatusCode(http.StatusInternalServerError)
}
