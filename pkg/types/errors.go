package types

import "errors"

var (
	// ErrValidation indicates invalid caller input (blank text, unknown category).
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates that the requested memory or edge does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOracleUnavailable indicates that an embedding or judge call failed.
	// Mutations that depend on the oracle abort with this error.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrConflict indicates a duplicate, a lost merge race or a forbidden
	// state transition.
	ErrConflict = errors.New("conflict")

	// ErrDimensionMismatch indicates an embedding whose length differs from
	// the store's fixed dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
