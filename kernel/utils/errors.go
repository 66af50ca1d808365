package utils

import (
	"errors"
	"fmt"
)

// Resource exhaustion and request errors surfaced to callers. Invariant
// violations are not represented here; those panic at the point of detection.
var (
	ErrNoFreePid     = errors.New("no free pid")
	ErrNoMemory      = errors.New("cannot allocate memory")
	ErrNoIdleCores   = errors.New("insufficient idle cores")
	ErrNoSuchProcess = errors.New("no such process")
	ErrBadState      = errors.New("process in wrong state for request")
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return fmt.Errorf("%s", msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

// IsResourceExhaustion reports whether err is one of the exhaustion sentinels
// a caller may retry after backing off.
func IsResourceExhaustion(err error) bool {
	return errors.Is(err, ErrNoFreePid) ||
		errors.Is(err, ErrNoMemory) ||
		errors.Is(err, ErrNoIdleCores)
}
