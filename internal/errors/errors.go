// Package errors provides structured error types for tempora.
// Every error carries a category, a code, a message and a retryable flag so
// callers can branch on the failure kind without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidInput     = "INVALID_INPUT"
	CodeInvalidTimestamp = "INVALID_TIMESTAMP"
	CodeUnknownRelation  = "UNKNOWN_RELATION"
	CodeVersionConflict  = "VERSION_CONFLICT"

	// Query codes
	CodeParseError           = "PARSE_ERROR"
	CodeUnsupportedPredicate = "UNSUPPORTED_PREDICATE"
	CodeNotImplemented       = "NOT_IMPLEMENTED"
	CodeExecutionFailed      = "EXECUTION_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TemporaError is the structured error type used throughout the module.
type TemporaError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TemporaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TemporaError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target has the same category and code.
func (e *TemporaError) Is(target error) bool {
	var t *TemporaError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TemporaError.
func New(category ErrorCategory, code, message string) *TemporaError {
	return &TemporaError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TemporaError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TemporaError {
	return &TemporaError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TemporaError) WithDetails(details map[string]interface{}) *TemporaError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TemporaError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TemporaError.
func GetCategory(err error) ErrorCategory {
	var te *TemporaError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TemporaError.
func GetCode(err error) string {
	var te *TemporaError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// HasCode reports whether any TemporaError in the chain carries code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TemporaError {
	return New(ErrCategoryValidation, code, message)
}

func NewInvalidInput(format string, args ...interface{}) *TemporaError {
	return New(ErrCategoryValidation, CodeInvalidInput, fmt.Sprintf(format, args...))
}

func NewUnsupportedPredicate(kind string) *TemporaError {
	return New(ErrCategoryQuery, CodeUnsupportedPredicate,
		fmt.Sprintf("predicate node %s cannot be rewritten to a historic query", kind)).
		WithDetails(map[string]interface{}{"node": kind})
}

func NewNotImplemented(message string) *TemporaError {
	return New(ErrCategoryQuery, CodeNotImplemented, message)
}

func NewQueryError(code, message string) *TemporaError {
	return New(ErrCategoryQuery, code, message)
}

func NewExecutionError(message string, cause error) *TemporaError {
	return Wrap(ErrCategoryQuery, CodeExecutionFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *TemporaError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TemporaError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
