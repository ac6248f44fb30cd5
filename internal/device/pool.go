package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metrics"
)

// Handle names an array registered in a Pool. It stays valid across
// MoveToDevice and becomes stale after Clear.
type Handle struct {
	index int
	gen   uint64
}

// Index is the registration order of the array.
func (h Handle) Index() int { return h.index }

// Pool owns a set of arrays on one device. Registration is serialized by
// an internal lock so loaders may allocate from many goroutines.
type Pool struct {
	name   string
	budget int64
	heap   Heap
	log    logger.Logger

	mu       sync.Mutex
	device   Device
	arrays   []*Array
	used     int64
	reserved int64
	gen      uint64
}

type Option func(*Pool)

// WithBudget caps MemoryUsage in bytes. Zero or negative means unlimited.
func WithBudget(bytes int64) Option {
	return func(p *Pool) { p.budget = max(bytes, 0) }
}

func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithHeap sets the heap used for GPU placement.
func WithHeap(h Heap) Option {
	return func(p *Pool) { p.heap = h }
}

func NewPool(dev Device, opts ...Option) *Pool {
	p := &Pool{name: "default", device: dev, heap: defaultHeap, log: logger.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("pool", p.name)
	p.publish()
	return p
}

// Allocate copies values into a new array on the pool's device.
func (p *Pool) Allocate(values []float32, shape Shape) (Handle, error) {
	return p.register(values, shape, true)
}

// Adopt registers values without copying; the pool takes ownership.
func (p *Pool) Adopt(values []float32, shape Shape) (Handle, error) {
	return p.register(values, shape, false)
}

func (p *Pool) register(values []float32, shape Shape, copyValues bool) (Handle, error) {
	if err := shape.validate(len(values)); err != nil {
		return Handle{}, err
	}
	need := int64(len(values)) * 4

	p.mu.Lock()
	if p.budget > 0 && p.used+p.reserved+need > p.budget {
		err := &OutOfMemoryError{Pool: p.name, Requested: need, Used: p.used + p.reserved, Budget: p.budget}
		p.mu.Unlock()
		metrics.RecordPoolRejection(p.name)
		return Handle{}, err
	}
	p.reserved += need
	dev, gen := p.device, p.gen
	p.mu.Unlock()

	// Uploads run outside the lock.
	a, err := newArray(values, shape, dev, p.heap, copyValues)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		if a != nil {
			_ = a.Release()
		}
		return Handle{}, fmt.Errorf("device: pool %q cleared during allocation: %w", p.name, ErrStaleHandle)
	}
	p.reserved -= need
	if err != nil {
		return Handle{}, err
	}
	if dev != p.device {
		moved, err := a.toDevice(p.device, p.heap)
		_ = a.Release()
		if err != nil {
			return Handle{}, err
		}
		a = moved
	}
	p.arrays = append(p.arrays, a)
	p.used += need
	p.publishLocked()
	return Handle{index: len(p.arrays) - 1, gen: p.gen}, nil
}

// Array resolves a handle.
func (p *Pool) Array(h Handle) (*Array, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.gen != p.gen || h.index < 0 || h.index >= len(p.arrays) {
		return nil, ErrStaleHandle
	}
	return p.arrays[h.index], nil
}

// Handles returns every live handle in registration order.
func (p *Pool) Handles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Handle, len(p.arrays))
	for i := range p.arrays {
		out[i] = Handle{index: i, gen: p.gen}
	}
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.arrays)
}

func (p *Pool) Device() Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

func (p *Pool) Name() string { return p.name }

// Budget is the byte cap, or 0 when unlimited.
func (p *Pool) Budget() int64 { return p.budget }

// Stats is a consistent snapshot of a pool.
type Stats struct {
	Device Device
	Arrays int
	Bytes  int64
}

// Stats reads device, array count and usage under one lock.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Device: p.device, Arrays: len(p.arrays), Bytes: p.used}
}

// MemoryUsage is the sum of len(buffer)*4 over registered arrays.
func (p *Pool) MemoryUsage() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// MoveToDevice transfers every array to target. On failure the pool is
// left on its original device with its original arrays. Arrays fetched
// before the move stay readable; their device memory is freed once no
// caller holds them.
func (p *Pool) MoveToDevice(target Device) error {
	if !target.valid() {
		return fmt.Errorf("device: invalid device %v", target)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if target == p.device {
		return nil
	}

	moved := make([]*Array, len(p.arrays))
	for i, a := range p.arrays {
		m, err := a.toDevice(target, p.heap)
		if err != nil {
			for _, done := range moved[:i] {
				_ = done.Release()
			}
			return fmt.Errorf("device: pool %q: move array %d to %s: %w", p.name, i, target, err)
		}
		moved[i] = m
	}

	for _, a := range p.arrays {
		a.retire()
	}
	from := p.device
	p.arrays = moved
	p.device = target
	metrics.ForgetPoolDevice(p.name, from.String())
	p.publishLocked()
	p.log.Info("pool moved", "from", from, "to", target, "arrays", len(moved), "bytes", p.used)
	return nil
}

// Clear releases every array. Outstanding handles become stale.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, a := range p.arrays {
		errs = append(errs, a.Release())
	}
	n := len(p.arrays)
	p.arrays = nil
	p.used = 0
	p.reserved = 0
	p.gen++
	p.publishLocked()
	if n > 0 {
		p.log.Debug("pool cleared", "arrays", n)
	}
	return errors.Join(errs...)
}

func (p *Pool) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked()
}

func (p *Pool) publishLocked() {
	metrics.RecordPool(p.name, p.device.String(), p.used, len(p.arrays))
}
