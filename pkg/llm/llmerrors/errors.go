// Package llmerrors provides structured error classification for LLM provider calls.
//
// Every provider failure is classified into exactly one of three categories,
// which drive distinct recovery strategies in the invoker:
//
//   - rotation: the current credential is burned (quota, rate limit, auth).
//     The invoker marks it unavailable and moves to the next key immediately.
//   - transient: the upstream hiccuped (5xx, network, timeout). The invoker
//     retries the same credential with exponential backoff.
//   - fatal: nothing a retry can fix. The error propagates immediately.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes a provider failure for retry/rotation handling.
type ErrorType int8

const (
	// ErrorTypeRotation marks credential-scoped failures: rate limits, quota
	// exhaustion, and auth rejections (400/401/403/429).
	ErrorTypeRotation ErrorType = iota
	// ErrorTypeTransient marks upstream hiccups: 5xx, timeouts, resets.
	ErrorTypeTransient
	// ErrorTypeFatal marks everything retrying cannot fix.
	ErrorTypeFatal
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRotation:
		return "rotation"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Error is a classified provider error with HTTP metadata when available.
type Error struct {
	Err        error     // wrapped underlying error
	Message    string    // human-readable message
	Type       ErrorType // classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("provider error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewWithStatus creates a classified error carrying an HTTP status.
func NewWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewWithCause creates a classified error wrapping another error.
func NewWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// Is checks whether err carries the given classification.
func Is(err error, errorType ErrorType) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type == errorType
	}
	return false
}

// rotationPatterns are message fragments that indicate a burned credential even
// when the provider SDK does not surface an HTTP status.
var rotationPatterns = []string{ //nolint:gochecknoglobals // static classification table
	"rate limit",
	"rate_limit",
	"quota",
	"too many requests",
	"expired",
	"invalid api key",
	"invalid_api_key",
	"authentication",
	"unauthorized",
	"permission denied",
}

// transientPatterns are message fragments that indicate a retryable upstream hiccup.
var transientPatterns = []string{ //nolint:gochecknoglobals // static classification table
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"overloaded",
	"service unavailable",
	"temporarily",
	"internal server error",
}

// ClassifyStatus maps an HTTP status code to an error type.
func ClassifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 400 || statusCode == 401 || statusCode == 403 || statusCode == 429:
		return ErrorTypeRotation
	case statusCode >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeFatal
	}
}

// Classify determines the error type of an arbitrary provider error.
// Already-classified errors keep their type. Request-level timeouts are
// transient: the per-call deadline fired, not the caller's context.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeFatal
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransient
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeFatal
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range rotationPatterns {
		if strings.Contains(msg, pattern) {
			return ErrorTypeRotation
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return ErrorTypeTransient
		}
	}
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			if code == "429" {
				return ErrorTypeRotation
			}
			return ErrorTypeTransient
		}
	}

	return ErrorTypeFatal
}

// FromStatus builds a classified error from an HTTP status and message.
func FromStatus(statusCode int, message string) *Error {
	return NewWithStatus(ClassifyStatus(statusCode), statusCode, message)
}
