// Package llmerrors classifies model API failures so retry middleware and
// metrics labels treat them uniformly across providers.
package llmerrors

import (
	"errors"
	"fmt"
)

// ErrorType categorizes a model API failure.
type ErrorType int8

const (
	// ErrorTypeRateLimit covers 429s and quota exhaustion. Retryable.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, EOF, resets, and timeouts. Retryable.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse covers HTTP 200 with no usable content. Retryable.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth covers 401/403 and bad credentials. Not retryable.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed or rejected requests. Not retryable.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified failures.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable marks a retryable error whose attempts ran
	// out. The session turns it into a terminal error turn.
	ErrorTypeServiceUnavailable
)

//nolint:gochecknoglobals // Indexed by ErrorType; values double as metrics labels
var typeNames = [...]string{
	ErrorTypeRateLimit:          "rate_limit",
	ErrorTypeTransient:          "transient",
	ErrorTypeEmptyResponse:      "empty_response",
	ErrorTypeAuth:               "auth",
	ErrorTypeBadPrompt:          "bad_prompt",
	ErrorTypeUnknown:            "unknown",
	ErrorTypeServiceUnavailable: "service_unavailable",
}

// String renders the type as a stable metrics label value.
func (et ErrorType) String() string {
	if int(et) < 0 || int(et) >= len(typeNames) {
		return "invalid"
	}
	return typeNames[et]
}

// Error is a classified model API failure.
type Error struct {
	Err        error // Wrapped cause, when any
	Message    string
	Type       ErrorType
	StatusCode int // HTTP status, when known
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether retrying could help. Blocklist semantics:
// everything is retryable unless the type says otherwise.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a classified error carrying an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a classified error wrapping its cause.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError marks a retryable failure whose attempts ran
// out.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d retry attempts", attempts),
	}
}

// Is reports whether the error chain carries the given classification.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Type == errorType
}

// IsServiceUnavailable reports whether retries were already exhausted for
// this error.
func IsServiceUnavailable(err error) bool {
	return Is(err, ErrorTypeServiceUnavailable)
}
