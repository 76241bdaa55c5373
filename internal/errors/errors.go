// Package errors provides the error taxonomy for the Reverie sync engine.
//
// Failures fall into five classes with distinct handling:
//
//   - transient: network timeouts, 5xx, rate limits; retried up to a ceiling
//   - auth: expired or revoked credential; halts the drain cycle, never retried
//   - conflict: informational only, resolved deterministically
//   - corrupt: malformed local or remote payload; the item is skipped
//   - config: missing collaborator or integrity violation; fatal at startup
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable error code surfaced to callers and the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncTransient      ErrorCode = "SYNC_TRANSIENT"
	ErrSyncAuthExpired    ErrorCode = "SYNC_AUTH_EXPIRED"
	ErrSyncRetryExhausted ErrorCode = "SYNC_RETRY_EXHAUSTED"
	ErrSyncCorruptPayload ErrorCode = "SYNC_CORRUPT_PAYLOAD"
	ErrSyncTimeout        ErrorCode = "SYNC_TIMEOUT"
	ErrSyncRateLimited    ErrorCode = "SYNC_RATE_LIMITED"

	// Queue errors
	ErrQueueIntegrity ErrorCode = "QUEUE_INTEGRITY_VIOLATION"

	// Configuration errors (fatal at startup)
	ErrConfig           ErrorCode = "CONFIG_ERROR"
	ErrNoTokenProvider  ErrorCode = "NO_TOKEN_PROVIDER"
	ErrHydrationFailure ErrorCode = "HYDRATION_FAILED"
)

// Class buckets error codes into the handling classes above.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassAuth
	ClassCorrupt
	ClassConfig
)

// AppError represents an engine error with a code and optional cause.
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

// ClassOf returns the handling class for this error.
func (e *AppError) ClassOf() Class {
	switch e.Code {
	case ErrSyncTransient, ErrSyncTimeout, ErrSyncRateLimited:
		return ClassTransient
	case ErrSyncAuthExpired:
		return ClassAuth
	case ErrSyncCorruptPayload:
		return ClassCorrupt
	case ErrConfig, ErrNoTokenProvider, ErrQueueIntegrity:
		return ClassConfig
	}
	return ClassUnknown
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return classOf(err) == ClassTransient
}

// IsAuth reports whether err means the credential is no longer valid.
// Auth errors halt the drain cycle instead of being retried.
func IsAuth(err error) bool {
	return classOf(err) == ClassAuth
}

// IsCorrupt reports whether err means a payload could not be decoded.
func IsCorrupt(err error) bool {
	return classOf(err) == ClassCorrupt
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func classOf(err error) Class {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.ClassOf()
	}
	return ClassUnknown
}
