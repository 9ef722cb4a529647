package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrHeadNotFound is returned when a head override names an unknown entry
	ErrHeadNotFound = errors.New("head target not found")

	// ErrBrokenChain is returned when a parent link cannot be resolved
	ErrBrokenChain = errors.New("conversation chain is broken")

	// ErrInvalidEntry is returned for entries without exactly one variant
	ErrInvalidEntry = errors.New("invalid entry")
)

// StorageError wraps a content store failure during a chain operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
