// Package kvcache stores attention keys and values as 8-bit codes with a
// float32 scale and minimum per 32-element block, and decodes arbitrary
// element ranges back to float32 for score computation.
//
// A Cache has a single writer. Caches belong to one generation request and
// are never shared, so there is no internal locking.
package kvcache

// Cache holds the keys and values of one attention layer. Both tensors
// have the same logical shape (SeqLen, Width) stored row-major.
type Cache struct {
	width int
	k, v  qtensor
}

// New returns an empty cache for rows of width elements. A width below 1
// is treated as 1.
func New(width int) *Cache {
	return &Cache{width: max(width, 1)}
}

// Quantize builds a cache from complete key and value tensors. A width of
// zero or less treats each input as a single row.
func Quantize(keys, values []float32, width int) (*Cache, error) {
	if width <= 0 {
		width = len(keys)
	}
	c := New(width)
	if err := c.Append(keys, values); err != nil {
		return nil, err
	}
	return c, nil
}

// Append quantizes new rows onto the end of the cache. keys and values
// must have equal length and hold whole rows.
func (c *Cache) Append(keys, values []float32) error {
	if len(keys) != len(values) || len(keys)%c.width != 0 {
		return &ShapeError{Keys: len(keys), Values: len(values), Width: c.width}
	}
	c.k.append(keys)
	c.v.append(values)
	return nil
}

// DequantK decodes keys [start, end) as flat element offsets.
func (c *Cache) DequantK(start, end int) ([]float32, error) {
	return dequantRange(&c.k, "keys", start, end)
}

// DequantV decodes values [start, end) as flat element offsets.
func (c *Cache) DequantV(start, end int) ([]float32, error) {
	return dequantRange(&c.v, "values", start, end)
}

// DequantRows decodes whole rows [from, to) of both tensors.
func (c *Cache) DequantRows(from, to int) (keys, values []float32, err error) {
	if keys, err = c.DequantK(from*c.width, to*c.width); err != nil {
		return nil, nil, err
	}
	if values, err = c.DequantV(from*c.width, to*c.width); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

func dequantRange(q *qtensor, name string, start, end int) ([]float32, error) {
	if start < 0 || start > end || end > q.len() {
		return nil, &RangeError{Tensor: name, Start: start, End: end, Len: q.len()}
	}
	out := make([]float32, end-start)
	q.dequant(out, start)
	return out, nil
}

// Len is the number of elements in each of the key and value tensors.
func (c *Cache) Len() int { return c.k.len() }

// SeqLen is the number of cached rows.
func (c *Cache) SeqLen() int { return c.k.len() / c.width }

// Width is the number of elements per row.
func (c *Cache) Width() int { return c.width }

// Blocks is the number of quantization blocks per tensor.
func (c *Cache) Blocks() int { return c.k.blocks() }

// StoredBytes is the size of the quantized representation: one code byte
// per element plus a float32 scale and min per block, for both tensors.
// Raw floats staged for the trailing block are not counted.
func (c *Cache) StoredBytes() int64 {
	return int64(c.k.len()+c.v.len()) + int64(c.k.blocks()+c.v.blocks())*8
}

// CompressionRatio compares float32 storage of both tensors with
// StoredBytes. An empty cache reports 0.
func (c *Cache) CompressionRatio() float64 {
	stored := c.StoredBytes()
	if stored == 0 {
		return 0
	}
	return float64(2*c.Len()*4) / float64(stored)
}

func (c *Cache) Keys() BlockView   { return c.k.view() }
func (c *Cache) Values() BlockView { return c.v.view() }
