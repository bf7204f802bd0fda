package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine packages.
// Use errors.Is to check: errors.Is(err, models.ErrItemNotFound)
var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrProfileExists     = errors.New("profile already exists")
	ErrItemNotFound      = errors.New("item not found")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrInvalidSession    = errors.New("invalid session")
	ErrPersistence       = errors.New("persistence failure")
	ErrCacheCompute      = errors.New("snapshot computation failed")
	ErrMalformedRecord   = errors.New("malformed session record")
	ErrSelectionContract = errors.New("session selection violated count contract")
)

// PersistenceError wraps an error returned by the underlying store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("persistence failure: %s", e.Op)
	}
	return fmt.Sprintf("persistence failure: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes every PersistenceError match ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// WrapPersistence returns nil for a nil err, a PersistenceError otherwise.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
