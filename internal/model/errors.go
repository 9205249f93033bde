package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrProvider marks a failed device enumeration. The tick is skipped.
	ErrProvider = errors.New("device provider failed")
	// ErrSpawn marks a failed process creation.
	ErrSpawn = errors.New("spawn failed")
	// ErrTerminate marks a process that vanished or refused termination.
	ErrTerminate = errors.New("terminate failed")
	// ErrActionMap marks a malformed or unrecognized action entry.
	ErrActionMap = errors.New("invalid action map entry")
)

// ActionError is returned by the executor when an action could not be carried out.
type ActionError struct {
	Spec ActionSpec
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s %q: %v", e.Spec.Kind, e.Spec.Target, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// API error codes.
const (
	ErrCodeInvalid     = "E_INVALID"
	ErrCodeNotFound    = "E_NOT_FOUND"
	ErrCodeUnavailable = "E_UNAVAILABLE"
	ErrCodeInternal    = "E_INTERNAL"
)

func NewEventID() string {
	return uuid.NewString()
}
