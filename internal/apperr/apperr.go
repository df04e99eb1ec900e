// Package apperr holds the error taxonomy shared by the registry, occupancy,
// reconciliation and command gateway components.
//
// Components wrap these sentinels with context; callers classify with errors.Is:
//
//	if errors.Is(err, apperr.ErrConflict) {
//	    // device already occupied
//	}
package apperr

import "errors"

var (
	// ErrNotFound is returned for an unknown device, user or session.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a device is already occupied.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned when the operation is unsupported for the
	// device's current status or type.
	ErrInvalidState = errors.New("invalid state")

	// ErrPermissionDenied is returned when the caller lacks authority.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation is returned for malformed or disallowed command input.
	ErrValidation = errors.New("validation error")

	// ErrExecutionFailure is returned when a subprocess ran but failed, or
	// could not be launched.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrTransientProbe marks a single transport probe failure.
	ErrTransientProbe = errors.New("transient probe failure")
)
