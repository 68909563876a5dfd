package sync

import (
	"context"
	"errors"
)

var (
	ErrDeviceNotFound          = errors.New("device not found")
	ErrSessionAlreadyActive    = errors.New("another sync session is active for this device")
	ErrSessionNotFound         = errors.New("sync session not found")
	ErrSessionNotActive        = errors.New("sync session is not active")
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	// ErrResolutionDeferred is returned by the manual strategy; the conflict stays pending.
	ErrResolutionDeferred = errors.New("resolution deferred to manual decision")
	ErrRepositoryFailure  = errors.New("repository failure")
	ErrRepositoryTimeout  = errors.New("repository timeout")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnavailable        = errors.New("sync service unavailable")
	ErrCancelled          = errors.New("sync session cancelled")
)

// Code classifies an error for callers and transports.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeConflict          Code = "CONFLICT"
	CodeRepositoryFailure Code = "REPOSITORY_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeUnavailable       Code = "SERVICE_UNAVAILABLE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// CodeOf maps err onto the error taxonomy.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrConflictNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSessionAlreadyActive),
		errors.Is(err, ErrSessionNotActive),
		errors.Is(err, ErrConflictAlreadyResolved),
		errors.Is(err, ErrCancelled):
		return CodeInvalidState
	case errors.Is(err, ErrResolutionDeferred):
		return CodeConflict
	case errors.Is(err, ErrRepositoryTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrRepositoryFailure):
		return CodeRepositoryFailure
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// Retryable reports whether repeating the same call later may succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRepositoryFailure, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}
