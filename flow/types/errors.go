package types

import (
	"errors"
	"fmt"
)

var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrUnknownFlowType    = errors.New("unknown flow type")
	ErrInvalidState       = errors.New("initial state does not match declared schema")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyRunning     = errors.New("flow is already running")
	ErrAlreadyTerminal    = errors.New("flow is already in a terminal status")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointConflict = errors.New("checkpoint parent does not match thread head")
)

// PersistenceError wraps a backend failure. It is the only error category
// that aborts an in-progress operation; the operation must leave the flow
// status at its pre-call value when returning one.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps err, passing an existing PersistenceError
// through unchanged so nested store calls do not double-wrap.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
