package device

import (
	"fmt"
	"strings"
)

// Device identifies where an array's buffer lives.
type Device uint8

const (
	CPU Device = iota
	GPU
)

// ParseDevice accepts cpu, gpu, cuda and metal (any case).
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "metal":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("device: unknown device %q (expected cpu or gpu)", s)
	}
}

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", uint8(d))
	}
}

func (d Device) valid() bool { return d == CPU || d == GPU }

// Shape is a rank 1 or rank 2 array shape.
type Shape []int

// Elems returns the product of the dimensions.
func (s Shape) Elems() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Rows is 1 for a vector.
func (s Shape) Rows() int {
	if len(s) == 2 {
		return s[0]
	}
	return 1
}

// Cols is the last dimension, or 0 for an empty shape.
func (s Shape) Cols() int {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (s Shape) clone() Shape { return append(Shape(nil), s...) }

func (s Shape) validate(values int) error {
	if len(s) != 1 && len(s) != 2 {
		return &ShapeMismatchError{Shape: s.clone(), Values: values, Reason: "rank must be 1 or 2"}
	}
	for _, d := range s {
		if d <= 0 {
			return &ShapeMismatchError{Shape: s.clone(), Values: values, Reason: "dimensions must be positive"}
		}
	}
	if s.Elems() != values {
		return &ShapeMismatchError{Shape: s.clone(), Values: values}
	}
	return nil
}
