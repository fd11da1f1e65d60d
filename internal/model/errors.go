package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when creating an instance whose id is live.
	ErrAlreadyExists = errors.New("instance already exists")

	// ErrInstanceNotFound is returned when an instance id is not in the registry.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidTransition is returned when a lifecycle event is not legal
	// from the instance's current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNotReady is returned when a send is attempted outside the Ready state.
	ErrNotReady = errors.New("instance not ready")

	// ErrBackupUnavailable is returned when a restore is attempted with no
	// backup present. This is an expected outcome for new instances.
	ErrBackupUnavailable = errors.New("no backup available")
)

// DriverError is an opaque failure reported by the session driver. It always
// carries the instance id so the API layer can attribute it.
type DriverError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError wraps a driver failure with its instance id and operation.
func NewDriverError(instanceID, op string, err error) *DriverError {
	return &DriverError{InstanceID: instanceID, Op: op, Err: err}
}
