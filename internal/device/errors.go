package device

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleHandle is returned for handles issued before the last Clear.
	ErrStaleHandle = errors.New("device: stale pool handle")
	// ErrReleased is returned when reading an array after Release.
	ErrReleased = errors.New("device: array released")
)

// ShapeMismatchError reports a value count that does not fit the declared shape.
type ShapeMismatchError struct {
	Shape  Shape
	Values int
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("device: shape %v with %d values: %s", e.Shape, e.Values, e.Reason)
	}
	return fmt.Sprintf("device: shape %v holds %d values, got %d", e.Shape, e.Shape.Elems(), e.Values)
}

// OutOfMemoryError reports an allocation that would exceed a pool budget.
type OutOfMemoryError struct {
	Pool      string
	Requested int64
	Used      int64
	Budget    int64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("device: pool %q: allocating %d bytes with %d in use exceeds budget of %d",
		e.Pool, e.Requested, e.Used, e.Budget)
}
