package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a label.
	ErrNotFound = errors.New("identity not found")

	// ErrInvalidLabel is returned when a label is empty or contains a path delimiter.
	ErrInvalidLabel = errors.New("invalid identity label")

	// ErrNoVectors is returned when a write carries no embedding vectors.
	ErrNoVectors = errors.New("no embedding vectors")

	// ErrStoreCorruption is matched by every *CorruptionError.
	ErrStoreCorruption = errors.New("embedding store corruption")

	// ErrStoreClosed is returned when trying to use a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// CorruptionError reports an empty or undecodable embedding record.
type CorruptionError struct {
	Label  string
	Status RecordStatus
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("embedding record %q is %s", e.Label, e.Status)
	}
	return fmt.Sprintf("embedding record %q is %s: %v", e.Label, e.Status, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStoreCorruption) hold for every corruption error.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrStoreCorruption
}

// StoreError wraps errors with operation context
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with backend and operation context. Nil stays nil.
func WrapError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}
