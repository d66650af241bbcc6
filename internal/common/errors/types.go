// Package errors defines the error taxonomy shared by every cache adapter.
//
// All adapter failures are reported as *AppError values so callers can
// classify them with IsType regardless of how deeply they were wrapped.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeNotInitialized is returned when an operation runs before Initialize
	ErrTypeNotInitialized ErrorType = "not_initialized"
	// ErrTypeConnectionRefused represents a remote store that rejected or dropped the connection
	ErrTypeConnectionRefused ErrorType = "connection_refused"
	// ErrTypeConnectionTimeout represents a remote store that did not become ready in time
	ErrTypeConnectionTimeout ErrorType = "connection_timeout"
	// ErrTypeSerialization represents a value that could not be encoded
	ErrTypeSerialization ErrorType = "serialization"
	// ErrTypeDeserialization represents a stored payload that could not be decoded
	ErrTypeDeserialization ErrorType = "deserialization"
	// ErrTypeConfig represents invalid configuration
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeUnavailable represents a dependency short-circuited by a breaker
	ErrTypeUnavailable ErrorType = "unavailable"
)

// AppError represents a structured cache error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AppError of the same type.
// This lets callers write errors.Is(err, &AppError{Type: ErrTypeConfig}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// Key returns the cache key attached to the error, if any.
func (e *AppError) Key() string {
	if k, ok := e.Context["key"].(string); ok {
		return k
	}
	return ""
}

// NotInitializedError creates an error for operations attempted before Initialize
func NotInitializedError(adapter string) *AppError {
	return &AppError{
		Type:    ErrTypeNotInitialized,
		Message: fmt.Sprintf("%s adapter is not initialized", adapter),
	}
}

// ConnectionRefusedError creates an error for a store that refused the connection
func ConnectionRefusedError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnectionRefused,
		Message: msg,
		Cause:   cause,
	}
}

// ConnectionTimeoutError creates an error for a store that did not answer before the deadline
func ConnectionTimeoutError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnectionTimeout,
		Message: msg,
		Cause:   cause,
	}
}

// SerializationError creates an error for a value that cannot be encoded
func SerializationError(key string, cause error) *AppError {
	return (&AppError{
		Type:    ErrTypeSerialization,
		Message: "failed to serialize value",
		Cause:   cause,
	}).WithContext("key", key)
}

// DeserializationError creates an error for a stored payload that cannot be decoded
func DeserializationError(key string, cause error) *AppError {
	return (&AppError{
		Type:    ErrTypeDeserialization,
		Message: "failed to deserialize value",
		Cause:   cause,
	}).WithContext("key", key)
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// UnavailableError creates an error for a dependency that is being short-circuited
func UnavailableError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error, or any error it wraps, is an AppError of the given type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}
