package store

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when creating a record whose ID already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrAlreadyFinalized is returned when finalizing an attempt that is not pending.
	ErrAlreadyFinalized = errors.New("attempt already finalized")

	// ErrInvalidOutcome is returned when finalizing with a non-terminal outcome.
	ErrInvalidOutcome = errors.New("invalid attempt outcome")
)
