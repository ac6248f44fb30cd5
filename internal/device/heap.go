package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/pkg/quant"
)

// Heap hands out device memory. A GPU kernel layer supplies its own Heap
// backed by real device buffers; NewEmulatedHeap stands in when there is none.
type Heap interface {
	Name() string
	// Upload copies values into a new allocation.
	Upload(values []float32) (Allocation, error)
	// InUse reports the bytes currently allocated.
	InUse() int64
}

// Allocation is one device buffer of float32 values.
type Allocation interface {
	Len() int
	// Download copies the buffer into dst, which must hold Len values.
	Download(dst []float32) error
	// Free releases the buffer. Calling it twice is a no-op.
	Free() error
}

var defaultHeap = NewEmulatedHeap("emulated")

// DefaultHeap is used by arrays built without an explicit heap.
func DefaultHeap() Heap { return defaultHeap }

// EmulatedHeap keeps device buffers as little-endian byte images in host
// memory so that device placement exercises the same copy paths as a GPU.
type EmulatedHeap struct {
	name  string
	inUse atomic.Int64
}

func NewEmulatedHeap(name string) *EmulatedHeap {
	return &EmulatedHeap{name: name}
}

func (h *EmulatedHeap) Name() string { return h.name }

func (h *EmulatedHeap) InUse() int64 { return h.inUse.Load() }

func (h *EmulatedHeap) Upload(values []float32) (Allocation, error) {
	a := &emulatedAlloc{heap: h, n: len(values), image: quant.EncodeF32(values)}
	metrics.RecordHeap(h.name, h.inUse.Add(int64(len(a.image))))
	return a, nil
}

type emulatedAlloc struct {
	heap  *EmulatedHeap
	n     int
	mu    sync.RWMutex
	image []byte
}

func (a *emulatedAlloc) Len() int { return a.n }

func (a *emulatedAlloc) Download(dst []float32) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.image == nil {
		return ErrReleased
	}
	if len(dst) != a.n {
		return fmt.Errorf("device: download into %d values, allocation holds %d", len(dst), a.n)
	}
	return quant.DequantizeInto(dst, quant.F32, a.image, quant.Params{})
}

func (a *emulatedAlloc) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.image == nil {
		return nil
	}
	metrics.RecordHeap(a.heap.name, a.heap.inUse.Add(-int64(len(a.image))))
	a.image = nil
	return nil
}
