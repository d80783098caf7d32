// Package errors provides structured error types for the marshall ingestion
// pipeline. Every error carries a category, code, message and retryable flag
// so the ingestion driver can decide whether to continue with the remaining
// surveys, retry later, or abort the run.
package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrorCategory classifies errors by how the driver must react to them.
type ErrorCategory string

const (
	// ErrCategoryConfig covers missing or invalid settings; degrades, never fatal
	ErrCategoryConfig ErrorCategory = "CONFIG"
	// ErrCategoryTransient covers I/O against the database, search backend or feeders
	ErrCategoryTransient ErrorCategory = "TRANSIENT"
	// ErrCategoryInvariant covers catalog corruption such as duplicate masters
	ErrCategoryInvariant ErrorCategory = "INVARIANT"
	// ErrCategoryData covers row-level problems in feeder data
	ErrCategoryData ErrorCategory = "DATA"
	// ErrCategoryInternal covers everything else
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeMissingColumnMap = "MISSING_COLUMN_MAP"
	CodeMissingSetting   = "MISSING_SETTING"
	CodeInvalidSetting   = "INVALID_SETTING"

	// Transient codes
	CodeSearchFailed        = "SEARCH_FAILED"
	CodeDatabaseUnavailable = "DATABASE_UNAVAILABLE"
	CodeDownloadFailed      = "DOWNLOAD_FAILED"
	CodeTimeout             = "TIMEOUT"

	// Invariant codes
	CodeDuplicateMaster = "DUPLICATE_MASTER"
	CodeMissingMaster   = "MISSING_MASTER"

	// Data codes
	CodeMalformedCoordinates = "MALFORMED_COORDINATES"
	CodeMalformedRow         = "MALFORMED_ROW"
	CodeUnparseableDate      = "UNPARSEABLE_DATE"
	CodeFeedTooLarge         = "FEED_TOO_LARGE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// MarshallError is the structured error type used throughout the pipeline.
type MarshallError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *MarshallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *MarshallError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *MarshallError) Is(target error) bool {
	var t *MarshallError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new MarshallError.
func New(category ErrorCategory, code, message string) *MarshallError {
	return &MarshallError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category),
	}
}

// Wrap creates a new MarshallError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *MarshallError {
	return &MarshallError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *MarshallError) WithDetails(details map[string]interface{}) *MarshallError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable. Context
// deadline errors count as retryable: a re-run picks up whatever was missed.
func IsRetryable(err error) bool {
	var me *MarshallError
	if errors.As(err, &me) {
		return me.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether the error, or any error combined into it, must
// terminate the whole run.
func IsFatal(err error) bool {
	for _, e := range multierr.Errors(err) {
		if GetCategory(e) == ErrCategoryInvariant {
			return true
		}
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a MarshallError.
func GetCategory(err error) ErrorCategory {
	var me *MarshallError
	if errors.As(err, &me) {
		return me.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a MarshallError.
func GetCode(err error) string {
	var me *MarshallError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// isRetryable: only transient I/O failures are worth retrying.
func isRetryable(category ErrorCategory) bool {
	return category == ErrCategoryTransient
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *MarshallError {
	return New(ErrCategoryConfig, code, message)
}

// NewTransientError wraps an I/O failure. A context deadline in the chain is
// reported with CodeTimeout regardless of the code passed.
func NewTransientError(code, message string, cause error) *MarshallError {
	if errors.Is(cause, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return Wrap(ErrCategoryTransient, code, message, cause)
}

func NewInvariantError(code, message string) *MarshallError {
	return New(ErrCategoryInvariant, code, message)
}

func NewDataError(code, message string, cause error) *MarshallError {
	return Wrap(ErrCategoryData, code, message, cause)
}

