package kvcache

import "fmt"

// RangeError reports a dequantization range outside [0, Len].
type RangeError struct {
	Tensor string
	Start  int
	End    int
	Len    int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("kvcache: %s range [%d, %d) outside [0, %d]", e.Tensor, e.Start, e.End, e.Len)
}

// ShapeError reports key/value inputs that do not form whole rows.
type ShapeError struct {
	Keys   int
	Values int
	Width  int
}

func (e *ShapeError) Error() string {
	if e.Keys != e.Values {
		return fmt.Sprintf("kvcache: %d keys and %d values differ in length", e.Keys, e.Values)
	}
	return fmt.Sprintf("kvcache: %d elements is not a multiple of row width %d", e.Keys, e.Width)
}
