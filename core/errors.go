package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key has no visible value at the read snapshot.
	ErrNotFound = errors.New("key not found")
	// ErrCorrupted marks unreadable on-disk data: bad checksum, bad magic, malformed frame.
	ErrCorrupted = errors.New("data is corrupted")
	// ErrChecksumMismatch is wrapped together with ErrCorrupted where a CRC check failed.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrClosed is returned by any operation on a closed component.
	ErrClosed = errors.New("component is closed")
	// ErrResourceExhausted is returned when the data directory runs out of space.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInvalidKey is returned when a key cannot be decoded.
	ErrInvalidKey = errors.New("invalid key encoding")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "column", "table"
	Value   string // The invalid value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// TypeMismatchError is returned when two values of incompatible types meet in an operation.
type TypeMismatchError struct {
	Left  ValueType
	Right ValueType
	Op    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: cannot %s %s with %s", e.Op, e.Left, e.Right)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// IsTypeMismatch checks if an error is a TypeMismatchError.
func IsTypeMismatch(err error) bool {
	var mismatch *TypeMismatchError
	return errors.As(err, &mismatch)
}

// IsCorruption reports whether err comes from unreadable persisted data.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorrupted) || errors.Is(err, ErrChecksumMismatch)
}
