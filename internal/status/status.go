package status

import "errors"

var (
	ErrValidation          = errors.New("validation: malformed request")
	ErrConflict            = errors.New("conflict: state conflict")
	ErrNotFound            = errors.New("not found: entity not found")
	ErrForbidden           = errors.New("forbidden: user is not part of this entity")
	ErrNotReady            = errors.New("not ready: session not yet materialized")
	ErrTimeout             = errors.New("timeout: window elapsed")
	ErrTransientDependency = errors.New("dependency: transient dependency failure")

	ErrAlreadyPending = errors.New("matching: user already has a pending match request")
	ErrNoExercise     = errors.New("catalog: no exercise available for the given filters")
	ErrLineLocked     = errors.New("collab: line locked by another user")
)

// Code is the short machine code sent to clients for an error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyPending), errors.Is(err, ErrLineLocked):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransientDependency), errors.Is(err, ErrNoExercise):
		return "dependency_error"
	}
	return "internal_error"
}
