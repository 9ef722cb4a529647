package store

import "errors"

var (
	// ErrNotFound is returned when no content exists for an id
	ErrNotFound = errors.New("content not found")

	// ErrInvalidID is returned when an id is not a hex SHA-256 digest
	ErrInvalidID = errors.New("invalid content id")

	// ErrInvalidLabel is returned for an empty label
	ErrInvalidLabel = errors.New("invalid label")

	// ErrClosed is returned when a closed store is used
	ErrClosed = errors.New("store is closed")

	// ErrUnknownDriver is returned by Open for an unsupported driver
	ErrUnknownDriver = errors.New("unknown store driver")
)
