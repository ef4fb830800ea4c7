// Package errors provides error codes and the failure taxonomy used by the sync engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode represents a unique error code surfaced to presentation layers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage     ErrorCode = "STORAGE_ERROR"
	ErrCorruptData ErrorCode = "CORRUPT_DATA"

	// Transport errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrOffline ErrorCode = "OFFLINE"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuthFailed    ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncQuotaExceeded ErrorCode = "SYNC_QUOTA_EXCEEDED"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncBusy          ErrorCode = "SYNC_BUSY"
	ErrItemExhausted     ErrorCode = "QUEUE_ITEM_EXHAUSTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// Category buckets failures by how the engine reacts to them.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategoryConflict   Category = "conflict"
	CategoryPermission Category = "permission"
	CategoryUnknown    Category = "unknown"
)

// Retryable reports whether failures of this category go back on the queue.
// Unknown failures are retried too, bounded by the per-priority ceilings.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Categorized is implemented by errors that know their own category.
type Categorized interface {
	Category() Category
}

var codeCategories = map[ErrorCode]Category{
	ErrNetwork:           CategoryNetwork,
	ErrOffline:           CategoryNetwork,
	ErrSyncTimeout:       CategoryNetwork,
	ErrSyncQuotaExceeded: CategoryNetwork,
	ErrInvalid:           CategoryValidation,
	ErrValidation:        CategoryValidation,
	ErrDuplicate:         CategoryValidation,
	ErrNotFound:          CategoryValidation,
	ErrSyncConflict:      CategoryConflict,
	ErrPermission:        CategoryPermission,
	ErrSyncAuthFailed:    CategoryPermission,
}

// Classify maps an error returned by a remote write to a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var c Categorized
	if stderrors.As(err, &c) {
		return c.Category()
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if cat, ok := codeCategories[appErr.Code]; ok {
			return cat
		}
		if appErr.Err != nil {
			return Classify(appErr.Err)
		}
		return CategoryUnknown
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return CategoryNetwork
	}

	return CategoryUnknown
}

// IsRetryable is shorthand for Classify(err).Retryable().
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
