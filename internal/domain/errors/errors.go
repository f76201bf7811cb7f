// Package errors defines the domain error taxonomy. Domain errors are typed
// and carry a stable business code; they are caught at the call site that
// issued the action and converted into a negative transaction reply, never
// crashing the process.
package errors

import (
	"github.com/pkg/errors"
)

// AppError is the interface every domain error implements.
type AppError interface {
	error
	ErrorCode() string // Stable business code carried on negative replies.
	Message() string   // Human-readable description.
}

// BaseError is the concrete domain error type.
type BaseError struct {
	errorCode string
	message   string
}

// NewBaseError creates a domain error with a stable code.
func NewBaseError(errorCode, message string) *BaseError {
	return &BaseError{errorCode: errorCode, message: message}
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	return e.message
}

// ErrorCode returns the stable business code.
func (e *BaseError) ErrorCode() string {
	return e.errorCode
}

// Message returns the human-readable description.
func (e *BaseError) Message() string {
	return e.message
}

// WrapMessage wraps the error with additional context while preserving the
// sentinel for errors.Is checks.
func (e *BaseError) WrapMessage(message string) error {
	return errors.Wrap(e, message)
}

// Predefined domain errors.
var (
	// Device errors.
	ErrDeviceNotFound = NewBaseError(
		"DEVICE_NOT_FOUND",
		"device not found",
	)

	ErrDeviceAlreadyGrouped = NewBaseError(
		"ALREADY_GROUPED",
		"device already belongs to a group",
	)

	ErrDeviceNotGrouped = NewBaseError(
		"NO_GROUP",
		"device does not belong to this group",
	)

	// Group errors.
	ErrGroupNotFound = NewBaseError(
		"GROUP_NOT_FOUND",
		"group not found",
	)

	ErrGroupExists = NewBaseError(
		"GROUP_EXISTS",
		"a group with this name already exists",
	)

	ErrGroupClassInvalid = NewBaseError(
		"CLASS_INVALID",
		"group class cannot be created through the booking API",
	)

	ErrGroupWindowsInvalid = NewBaseError(
		"WINDOWS_INVALID",
		"booking windows must be ascending and non-overlapping",
	)

	ErrGroupWindowConflict = NewBaseError(
		"WINDOW_CONFLICT",
		"booking windows overlap another bookable claim on the same device",
	)

	ErrGroupLocked = NewBaseError(
		"GROUP_LOCKED",
		"group is locked by another operation",
	)

	ErrRequirementMismatch = NewBaseError(
		"REQUIREMENT_MISMATCH",
		"device does not satisfy the group requirements",
	)

	// Quota errors.
	ErrQuotaNumberExhausted = NewBaseError(
		"QUOTA_NUMBER_EXHAUSTED",
		"booking count quota exhausted",
	)

	ErrQuotaDurationExhausted = NewBaseError(
		"QUOTA_DURATION_EXHAUSTED",
		"booking duration quota exhausted",
	)

	// User errors.
	ErrUserNotFound = NewBaseError(
		"USER_NOT_FOUND",
		"user not found",
	)
)

// CodeOf extracts the business code of err, or "INTERNAL" for untyped
// errors.
func CodeOf(err error) string {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode()
	}

	return "INTERNAL"
}
