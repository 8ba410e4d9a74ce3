package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a plugin, option, client or action does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a uniqueness violation.
	ErrAlreadyExists = errors.New("already exists")
	// ErrRegistrationFailed indicates a plugin could not be registered.
	ErrRegistrationFailed = errors.New("plugin registration failed")
	// ErrInvalidValue indicates a value does not match its declared type.
	ErrInvalidValue = errors.New("invalid value")
	// ErrActionFailed indicates an action ran and failed.
	ErrActionFailed = errors.New("action failed")
)

// RegistrationError reports which registration stage failed.
// A failure in the "options" stage leaves the plugin row in place.
type RegistrationError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register plugin %s (%s): %v", e.Plugin, e.Stage, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Is matches ErrRegistrationFailed
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistrationFailed
}

// PersistenceError wraps a storage failure with the operation that hit it
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ActionError carries the detail of a failed action.
type ActionError struct {
	Plugin string
	Action string
	Detail string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s of plugin %s failed: %s", e.Action, e.Plugin, e.Detail)
}

// Is matches ErrActionFailed
func (e *ActionError) Is(target error) bool {
	return target == ErrActionFailed
}
