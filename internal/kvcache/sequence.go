package kvcache

import (
	"fmt"

	"github.com/samcharles93/strata/internal/metrics"
)

// Sequence owns the per-layer caches of one generation request.
// Dropping a request means closing its Sequence.
type Sequence struct {
	caches    []*Cache
	published int64
	closed    bool
}

// NewSequence allocates an empty cache per layer.
func NewSequence(layers, width int) *Sequence {
	s := &Sequence{caches: make([]*Cache, max(layers, 0))}
	for i := range s.caches {
		s.caches[i] = New(width)
	}
	return s
}

// Layers is the number of per-layer caches.
func (s *Sequence) Layers() int { return len(s.caches) }

// Layer returns the cache of layer i.
func (s *Sequence) Layer(i int) (*Cache, error) {
	if s.closed {
		return nil, fmt.Errorf("kvcache: sequence closed")
	}
	if i < 0 || i >= len(s.caches) {
		return nil, fmt.Errorf("kvcache: layer %d outside [0, %d)", i, len(s.caches))
	}
	return s.caches[i], nil
}

// Append adds rows to layer i and updates the live byte gauge.
func (s *Sequence) Append(layer int, keys, values []float32) error {
	c, err := s.Layer(layer)
	if err != nil {
		return err
	}
	if err := c.Append(keys, values); err != nil {
		return fmt.Errorf("kvcache: layer %d: %w", layer, err)
	}
	s.sync()
	return nil
}

// StoredBytes sums StoredBytes over all layers.
func (s *Sequence) StoredBytes() int64 {
	var n int64
	for _, c := range s.caches {
		n += c.StoredBytes()
	}
	return n
}

// CompressionRatio is the ratio across all layers, 0 when empty.
func (s *Sequence) CompressionRatio() float64 {
	var raw, stored int64
	for _, c := range s.caches {
		raw += int64(c.Len()) * 8
		stored += c.StoredBytes()
	}
	if stored == 0 {
		return 0
	}
	return float64(raw) / float64(stored)
}

// Close drops every cache. It is safe to call more than once.
func (s *Sequence) Close() {
	if s.closed {
		return
	}
	if r := s.CompressionRatio(); r > 0 {
		metrics.RecordKVCompression(r)
	}
	metrics.RecordKVStored(-s.published)
	s.published = 0
	s.caches = nil
	s.closed = true
}

func (s *Sequence) sync() {
	now := s.StoredBytes()
	metrics.RecordKVStored(now - s.published)
	s.published = now
}
