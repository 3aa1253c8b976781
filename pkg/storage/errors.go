package storage

import (
	"context"
	"errors"
	"net"
)

// Common error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"          // Object not found
	ErrCodeConnectionFailed = "CONNECTION_FAILED"  // Network/connection issues
	ErrCodeTimeout          = "TIMEOUT"            // Operation timed out
	ErrCodeInvalidRequest   = "INVALID_REQUEST"    // Invalid key or arguments
	ErrCodeBackendOffline   = "BACKEND_OFFLINE"    // Backend is not available
)

// StorageError represents errors from storage operations. An upload
// failure surfaced as a StorageError leaves the affected version
// non-live; the next sync run retries it by re-diffing.
type StorageError struct {
	Code    string
	Message string
	Backend string
	Key     string
	Cause   error
}

func (e *StorageError) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg += " (key " + e.Key + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError builds a StorageError with the given code
func NewStorageError(code, message, backend, key string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Backend: backend,
		Key:     key,
		Cause:   cause,
	}
}

// NewNotFoundError builds the canonical missing-object error
func NewNotFoundError(backend, key string) *StorageError {
	return &StorageError{
		Code:    ErrCodeNotFound,
		Message: "object not found",
		Backend: backend,
		Key:     key,
	}
}

// IsNotFound reports whether err is a missing-object StorageError
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == ErrCodeNotFound
}

// ClassifyError wraps an arbitrary error from a backend operation into a
// StorageError with a standardized code.
func ClassifyError(err error, backend, key string) *StorageError {
	if err == nil {
		return nil
	}

	var se *StorageError
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewStorageError(ErrCodeTimeout, "operation timed out", backend, key, err)
	case isNetError(err):
		return NewStorageError(ErrCodeConnectionFailed, "connection failed", backend, key, err)
	default:
		return NewStorageError(ErrCodeInvalidRequest, "storage operation failed", backend, key, err)
	}
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
