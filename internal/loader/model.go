package loader

import (
	"fmt"
	"slices"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/safetensors"
)

// Model is a fully loaded set of weight arrays. Arrays are shared
// read-only by every request.
type Model struct {
	path    string
	pool    *device.Pool
	names   []string
	handles map[string]device.Handle
	descs   map[string]safetensors.Descriptor
}

// Tensor returns the array registered under name.
func (m *Model) Tensor(name string) (*device.Array, error) {
	h, ok := m.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTensor, name)
	}
	return m.pool.Array(h)
}

// Descriptor returns the on-disk description of name.
func (m *Model) Descriptor(name string) (safetensors.Descriptor, bool) {
	d, ok := m.descs[name]
	return d, ok
}

// Names lists tensor names in lexical order.
func (m *Model) Names() []string { return slices.Clone(m.names) }

func (m *Model) Pool() *device.Pool { return m.pool }

func (m *Model) Path() string { return m.path }

// Close releases every array.
func (m *Model) Close() error { return m.pool.Clear() }
