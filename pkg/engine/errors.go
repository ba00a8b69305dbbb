// Package engine contains the lab orchestration core: the action planner
// that turns command intent plus observed backend state into an ordered,
// previewable plan, and the executor that applies plans with fail-fast
// semantics.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a core error for presentation and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation marks malformed input: a bad node spec or a
	// mutually exclusive flag combination. Raised before any plan is
	// built, never partially applied.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassBackend marks a backend-call failure: the underlying
	// technology rejected or failed an operation. Fatal for the current
	// plan.
	ErrorClassBackend ErrorClass = "backend"

	// ErrorClassConflict marks a state inconsistency observed at read
	// time. Most of these are self-healed rather than raised.
	ErrorClassConflict ErrorClass = "conflict"
)

// CoreError is a classified error carrying the context needed to tell the
// operator which action failed and why.
type CoreError struct {
	// Class is the error classification.
	Class ErrorClass

	// Message is the human-readable summary.
	Message string

	// Action is the description of the failing plan action, if any.
	Action string

	// Node is the logical node name involved, if any.
	Node string

	// Err is the wrapped cause.
	Err error
}

func (e *CoreError) Error() string {
	switch {
	case e.Action != "":
		return fmt.Sprintf("[%s] %s (action: %s): %s", e.Class, e.Message, e.Action, e.causeMessage())
	case e.Node != "":
		return fmt.Sprintf("[%s] %s (node: %s): %s", e.Class, e.Message, e.Node, e.causeMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.causeMessage())
	}
}

func (e *CoreError) causeMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is matches on class, so callers can test errors.Is(err, ErrValidation).
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// Class sentinels for errors.Is checks.
var (
	ErrValidation = &CoreError{Class: ErrorClassValidation}
	ErrBackend    = &CoreError{Class: ErrorClassBackend}
)

// NewValidationError builds a validation-class error.
func NewValidationError(message string, err error) *CoreError {
	return &CoreError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewBackendError builds a backend-class error for a failed plan action.
func NewBackendError(action string, err error) *CoreError {
	return &CoreError{Class: ErrorClassBackend, Message: "action failed", Action: action, Err: err}
}

// IsValidation reports whether err is validation-class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
