// Package errors provides structured error types for the Tarn system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure kind.
type ErrorCategory string

const (
	// ErrCategoryValidation marks bad input detected before any side effect.
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	// ErrCategoryConflict marks a concurrent-writer rejection from the catalog.
	ErrCategoryConflict ErrorCategory = "CONFLICT"
	// ErrCategoryNotFound marks a missing table, dataset, version, or snapshot.
	ErrCategoryNotFound ErrorCategory = "NOT_FOUND"
	// ErrCategoryStorage marks object storage failures, including partial writes.
	ErrCategoryStorage ErrorCategory = "STORAGE"
	// ErrCategoryCatalog marks catalog database failures other than conflicts.
	ErrCategoryCatalog ErrorCategory = "CATALOG"
	// ErrCategoryInternal marks unexpected failures.
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidMode            = "INVALID_MODE"
	CodeMissingPartitionColumn = "MISSING_PARTITION_COLUMN"
	CodeEmptyPartitionKeys     = "EMPTY_PARTITION_KEYS"
	CodeDuplicateMatchKeys     = "DUPLICATE_MATCH_KEYS"
	CodeMissingArgument        = "MISSING_ARGUMENT"
	CodePartitionChangeDenied  = "PARTITION_CHANGE_DENIED"
	CodeEmptyBatch             = "EMPTY_BATCH"

	// Conflict codes
	CodeCommitConflict = "COMMIT_CONFLICT"

	// Not-found codes
	CodeTableNotFound    = "TABLE_NOT_FOUND"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeDatasetNotFound  = "DATASET_NOT_FOUND"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeDeleteFailed   = "DELETE_FAILED"
	CodePartialWrite   = "PARTIAL_WRITE"

	// Catalog codes
	CodeCatalogFailure = "CATALOG_FAILURE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TarnError is the structured error type used throughout the system.
type TarnError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TarnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TarnError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TarnError) Is(target error) bool {
	var t *TarnError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TarnError.
func New(category ErrorCategory, code, message string) *TarnError {
	return &TarnError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TarnError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TarnError {
	return &TarnError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TarnError) WithDetails(details map[string]interface{}) *TarnError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TarnError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TarnError.
func GetCategory(err error) ErrorCategory {
	var te *TarnError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TarnError.
func GetCode(err error) string {
	var te *TarnError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Commit conflicts are
// the only automatically retried kind; validation and not-found errors never
// are, and a partial write needs operator attention, not a blind retry.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryConflict && code == CodeCommitConflict:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TarnError {
	return New(ErrCategoryValidation, code, message)
}

func NewConflictError(message string, cause error) *TarnError {
	return Wrap(ErrCategoryConflict, CodeCommitConflict, message, cause)
}

func NewNotFoundError(code, message string) *TarnError {
	return New(ErrCategoryNotFound, code, message)
}

func NewStorageError(code, message string, cause error) *TarnError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(message string, cause error) *TarnError {
	return Wrap(ErrCategoryCatalog, CodeCatalogFailure, message, cause)
}

func NewInternalError(message string, cause error) *TarnError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NewPartialWriteError reports a folder-backend write that failed after some
// partitions were already replaced. completed and failed list partition paths
// so the caller can see exactly what state the dataset was left in; no
// automatic rollback of filesystem state is possible.
func NewPartialWriteError(message string, completed, failed []string, cause error) *TarnError {
	e := Wrap(ErrCategoryStorage, CodePartialWrite, message, cause)
	e.Details = map[string]interface{}{
		"completed_partitions": completed,
		"failed_partitions":    failed,
	}
	return e
}
