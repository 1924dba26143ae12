// Package errors defines the typed AppError taxonomy the core classifies
// every externally visible failure into, carrying an HTTP-status class for
// an outer transport layer to read off without re-deriving it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies a failure into one of the kinds the unified store
// can surface to a caller.
type ErrorType string

const (
	// ErrorTypeInvalidInput covers malformed or out-of-contract requests:
	// empty content, invalid importance score, unknown memory ID format.
	ErrorTypeInvalidInput ErrorType = "invalid_input"
	// ErrorTypeEmbeddingFailed covers exhaustion of the embedding model
	// chain (remote, local, and deterministic fallback all failed).
	ErrorTypeEmbeddingFailed ErrorType = "embedding_failed"
	// ErrorTypeDuplicateResolved covers a store() call that was resolved
	// as a duplicate by the dedup pipeline rather than written.
	ErrorTypeDuplicateResolved ErrorType = "duplicate_resolved"
	// ErrorTypeUnavailable covers a provider (or all providers) being
	// unreachable or in a non-Ready state.
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypePartialResults covers a query() that returned fewer
	// providers' results than requested because some failed or timed out.
	ErrorTypePartialResults ErrorType = "partial_results"
	// ErrorTypeNotFound covers a get_by_id()/delete() referencing a
	// memory ID that does not exist.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeOutOfRange covers a parameter outside its valid domain:
	// negative limit, importance score outside [0,1].
	ErrorTypeOutOfRange ErrorType = "out_of_range"
	// ErrorTypeDeadlineExceeded covers an operation that exceeded its
	// caller-supplied or configured deadline.
	ErrorTypeDeadlineExceeded ErrorType = "deadline_exceeded"
	// ErrorTypeInternal covers anything else: programmer errors, invariant
	// violations, unclassified plumbing failures.
	ErrorTypeInternal ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeInvalidInput:      http.StatusBadRequest,
	ErrorTypeEmbeddingFailed:   http.StatusInternalServerError,
	ErrorTypeDuplicateResolved: http.StatusConflict,
	ErrorTypeUnavailable:       http.StatusServiceUnavailable,
	ErrorTypePartialResults:    http.StatusPartialContent,
	ErrorTypeNotFound:          http.StatusNotFound,
	ErrorTypeOutOfRange:        http.StatusBadRequest,
	ErrorTypeDeadlineExceeded:  http.StatusGatewayTimeout,
	ErrorTypeInternal:          http.StatusInternalServerError,
}

// AppError is a typed, HTTP-status-aware error carrying a safe external
// message separate from (optionally) an internal Details string.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails sets Details in place and returns the receiver.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets formatted Details in place and returns the receiver.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates an AppError of the given type with its mapped status code.
func New(errType ErrorType, message string) *AppError {
	return &AppError{Type: errType, Message: message, StatusCode: statusByType[errType]}
}

// Wrap creates an AppError of the given type wrapping cause.
func Wrap(cause error, errType ErrorType, message string) *AppError {
	return &AppError{Type: errType, Message: message, StatusCode: statusByType[errType], Cause: cause}
}

// Wrapf creates an AppError of the given type wrapping cause with a
// formatted message.
func Wrapf(cause error, errType ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, errType, fmt.Sprintf(format, args...))
}

// NewInvalidInputError creates an ErrorTypeInvalidInput AppError.
func NewInvalidInputError(message string) *AppError {
	return New(ErrorTypeInvalidInput, message)
}

// NewEmbeddingFailedError wraps a model-chain exhaustion failure.
func NewEmbeddingFailedError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeEmbeddingFailed, fmt.Sprintf("embedding failed: %s", operation))
}

// NewNotFoundError creates an ErrorTypeNotFound AppError for resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewUnavailableError creates an ErrorTypeUnavailable AppError for provider.
func NewUnavailableError(provider string) *AppError {
	return New(ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", provider))
}

// NewOutOfRangeError creates an ErrorTypeOutOfRange AppError for field.
func NewOutOfRangeError(field, reason string) *AppError {
	return New(ErrorTypeOutOfRange, fmt.Sprintf("%s out of range: %s", field, reason))
}

// NewDeadlineExceededError creates an ErrorTypeDeadlineExceeded AppError.
func NewDeadlineExceededError(operation string) *AppError {
	return New(ErrorTypeDeadlineExceeded, fmt.Sprintf("operation timed out: %s", operation))
}

// NewDuplicateResolvedError creates an ErrorTypeDuplicateResolved AppError
// referencing the memory ID the new content was resolved against.
func NewDuplicateResolvedError(resolvedID string) *AppError {
	return New(ErrorTypeDuplicateResolved, fmt.Sprintf("resolved as duplicate of %s", resolvedID))
}

// NewPartialResultsError creates an ErrorTypePartialResults AppError noting
// which providers failed to respond.
func NewPartialResultsError(failedProviders []string) *AppError {
	return New(ErrorTypePartialResults, fmt.Sprintf("providers failed: %s", strings.Join(failedProviders, ", ")))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == errType
}

// GetType returns err's ErrorType, or ErrorTypeInternal if err is not an
// *AppError, unwrapping through any wrapping layers (e.g. the retrier's
// "non-retryable error: %w").
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns err's mapped HTTP status, or 500 if err is not an
// *AppError.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the safe, user-facing text for error types whose
// Message may contain internal detail not meant for external callers.
var ErrorMessages = struct {
	ResourceNotFound        string
	AuthenticationFailed    string
	OperationTimeout        string
	RateLimitExceeded       string
	ConcurrentModification string
	ProviderUnavailable     string
}{
	ResourceNotFound:        "The requested resource was not found",
	AuthenticationFailed:    "Authentication failed",
	OperationTimeout:        "The operation timed out",
	RateLimitExceeded:       "Rate limit exceeded",
	ConcurrentModification: "The resource was concurrently modified",
	ProviderUnavailable:     "The storage provider is temporarily unavailable",
}

// SafeErrorMessage returns a message safe to expose to external callers,
// passing validation messages through unchanged but genericizing anything
// that might leak internal state.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}

	switch appErr.Type {
	case ErrorTypeInvalidInput, ErrorTypeOutOfRange:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeDeadlineExceeded:
		return ErrorMessages.OperationTimeout
	case ErrorTypeDuplicateResolved:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeUnavailable:
		return ErrorMessages.ProviderUnavailable
	case ErrorTypePartialResults:
		return appErr.Message
	default:
		return "An internal error occurred"
	}
}

// LogFields returns structured fields describing err, suitable for
// logrus.WithFields. Regular errors only contribute an "error" key.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}

	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}

	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain combines multiple non-nil errors with " -> " separators, preserving
// order. Returns nil if all are nil, the single error if only one is non-nil.
func Chain(errs ...error) error {
	var nonNil []string
	var single error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e.Error())
			single = e
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return single
	default:
		return fmt.Errorf("%s", strings.Join(nonNil, " -> "))
	}
}
