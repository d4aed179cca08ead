package services

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrincipal = errors.New("principal id is required")
	ErrEmptySession   = errors.New("session id is required")
	// ErrDelivery marks a code that was issued and stored but could not be
	// handed to the delivery sink.
	ErrDelivery = errors.New("one-time code delivery failed")
)

// StorageError reports that the backing store could not be read or written.
// It is the only error a guard operation returns for a well-formed request;
// every policy outcome is returned as data instead.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("guard storage failure during %s for %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is, or wraps, a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
