package spatial

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfBounds        = errors.New("location outside the index extent")
	ErrStoreFailure       = errors.New("block store failure")
	ErrInvariantViolation = errors.New("index invariant violated")
	ErrUnspliteableExtent = errors.New("extent cannot be subdivided further")
	ErrIndexClosed        = errors.New("index is closed")
	ErrEmptyIndex         = errors.New("index is empty")
	ErrInvalidConfig      = errors.New("invalid index configuration")
)

// storeFailure wraps a block store error so callers can test for
// ErrStoreFailure while keeping the original cause.
func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
