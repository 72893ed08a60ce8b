// Package errors provides error code definitions shared across the sync engine.
package errors

import "fmt"

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Bucket errors
	ErrBucketUnavailable ErrorCode = "BUCKET_UNAVAILABLE"
	ErrBlobNotFound      ErrorCode = "BLOB_NOT_FOUND"
	ErrBlobMalformed     ErrorCode = "BLOB_MALFORMED"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSchemaTooNew   ErrorCode = "SCHEMA_TOO_NEW"
	ErrApplyAborted   ErrorCode = "APPLY_ABORTED"

	// Snapshot / bootstrap errors
	ErrSnapshotMissing ErrorCode = "SNAPSHOT_MISSING"
	ErrBootstrapFailed ErrorCode = "BOOTSTRAP_FAILED"

	// Crypto errors
	ErrInvalidKey    ErrorCode = "INVALID_KEY"
	ErrCorruptedBlob ErrorCode = "CORRUPTED_BLOB"
	ErrCryptoFailed  ErrorCode = "CRYPTO_FAILED"

	// Tenant errors
	ErrTenantNotFound ErrorCode = "TENANT_NOT_FOUND"
	ErrTenantLoading  ErrorCode = "TENANT_LOADING"
	ErrAuthFailed     ErrorCode = "AUTH_FAILED"
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
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
