package device

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/samcharles93/strata/internal/metrics"
)

// Array is an immutable float32 tensor on one device. CPU arrays hold a
// host slice; GPU arrays hold an Allocation from a Heap.
type Array struct {
	id     uuid.UUID
	shape  Shape
	device Device

	host  []float32
	alloc Allocation
	heap  Heap

	released atomic.Bool
}

// FromValues copies values into a new array on dev.
func FromValues(values []float32, shape Shape, dev Device) (*Array, error) {
	return newArray(values, shape, dev, defaultHeap, true)
}

// Take is FromValues without the copy: the array takes ownership of values
// and the caller must not modify them afterwards.
func Take(values []float32, shape Shape, dev Device) (*Array, error) {
	return newArray(values, shape, dev, defaultHeap, false)
}

func newArray(values []float32, shape Shape, dev Device, heap Heap, copyValues bool) (*Array, error) {
	if !dev.valid() {
		return nil, fmt.Errorf("device: invalid device %v", dev)
	}
	if err := shape.validate(len(values)); err != nil {
		return nil, err
	}
	a := &Array{id: uuid.New(), shape: shape.clone(), device: dev, heap: heap}
	switch dev {
	case CPU:
		if copyValues {
			a.host = append([]float32(nil), values...)
		} else {
			a.host = values
		}
	case GPU:
		alloc, err := heap.Upload(values)
		if err != nil {
			return nil, fmt.Errorf("device: upload %d values to %s: %w", len(values), heap.Name(), err)
		}
		a.alloc = alloc
	}
	return a, nil
}

func (a *Array) ID() uuid.UUID  { return a.id }
func (a *Array) Device() Device { return a.device }
func (a *Array) Shape() Shape   { return a.shape.clone() }
func (a *Array) Len() int       { return a.shape.Elems() }

// Bytes is the float32 footprint of the array.
func (a *Array) Bytes() int64 { return int64(a.Len()) * 4 }

// Released reports whether Release has been called.
func (a *Array) Released() bool { return a.released.Load() }

// Data returns a fresh copy of the contents, reading back from the device
// when needed.
func (a *Array) Data() ([]float32, error) {
	out := make([]float32, a.Len())
	if err := a.ReadInto(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadInto copies the contents into dst, which must hold Len values.
func (a *Array) ReadInto(dst []float32) error {
	if a.released.Load() {
		return ErrReleased
	}
	if len(dst) != a.Len() {
		return &ShapeMismatchError{Shape: a.Shape(), Values: len(dst)}
	}
	if a.device == CPU {
		copy(dst, a.host)
		return nil
	}
	return a.alloc.Download(dst)
}

// ToDevice returns a copy of a on target with a new id. The receiver is
// returned unchanged when it already lives on target.
func (a *Array) ToDevice(target Device) (*Array, error) {
	return a.toDevice(target, a.heap)
}

func (a *Array) toDevice(target Device, heap Heap) (*Array, error) {
	if target == a.device {
		return a, nil
	}
	values, err := a.Data()
	if err != nil {
		return nil, err
	}
	out, err := newArray(values, a.shape, target, heap, false)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransfer(a.device.String(), target.String(), a.Bytes())
	return out, nil
}

// Reshape returns an array with the same contents viewed as shape. CPU
// arrays share the immutable host buffer.
func (a *Array) Reshape(shape Shape) (*Array, error) {
	if err := shape.validate(a.Len()); err != nil {
		return nil, err
	}
	if a.released.Load() {
		return nil, ErrReleased
	}
	if a.device == CPU {
		return &Array{id: uuid.New(), shape: shape.clone(), device: CPU, host: a.host, heap: a.heap}, nil
	}
	values, err := a.Data()
	if err != nil {
		return nil, err
	}
	return newArray(values, shape, a.device, a.heap, false)
}

// Float16 converts the contents to IEEE half precision bit patterns.
func (a *Array) Float16() ([]uint16, error) {
	values, err := a.Data()
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out, nil
}

// Release frees the device allocation. Further reads return ErrReleased.
// Release is idempotent.
func (a *Array) Release() error {
	if a.released.Swap(true) {
		return nil
	}
	if a.alloc != nil {
		return a.alloc.Free()
	}
	return nil
}

// retire drops an owner's claim on a without invalidating it. Host buffers
// are left to the collector; a device allocation is freed once a is
// unreachable, so callers still holding a keep reading it.
func (a *Array) retire() {
	if a.alloc == nil || a.released.Load() {
		return
	}
	runtime.AddCleanup(a, func(alloc Allocation) { _ = alloc.Free() }, a.alloc)
}

func (a *Array) String() string {
	return fmt.Sprintf("Array(%s %v on %s)", a.id, a.shape, a.device)
}
