package kvcache

import "math"

// BlockSize is the number of elements sharing one scale and min.
const BlockSize = 32

// BlockView exposes the quantized storage of one tensor. Element i decodes
// as Codes[i]*Scales[i/BlockSize] + Mins[i/BlockSize], evaluated in float64
// and rounded to float32. The slices
// alias cache storage: they must not be modified, and the trailing short
// block is only valid until the next Append.
type BlockView struct {
	Codes     []byte
	Scales    []float32
	Mins      []float32
	BlockSize int
}

// Len is the number of logical elements in the view.
func (v BlockView) Len() int { return len(v.Codes) }

// qtensor is an append-only asymmetric u8 block store. Full blocks are
// sealed once written. A trailing short block is quantized like any other
// and its raw inputs are kept in tail so the next append can rebuild it.
type qtensor struct {
	codes  []byte
	scales []float32
	mins   []float32
	tail   []float32
}

func (q *qtensor) len() int    { return len(q.codes) }
func (q *qtensor) blocks() int { return len(q.scales) }

func (q *qtensor) append(x []float32) {
	if len(x) == 0 {
		return
	}
	if len(q.tail) > 0 {
		sealed := len(q.codes) - len(q.tail)
		q.codes = q.codes[:sealed]
		q.scales = q.scales[:len(q.scales)-1]
		q.mins = q.mins[:len(q.mins)-1]
		x = append(q.tail, x...)
		q.tail = nil
	}

	for off := 0; off < len(x); off += BlockSize {
		block := x[off:min(off+BlockSize, len(x))]
		scale, lo := blockParams(block)
		q.scales = append(q.scales, scale)
		q.mins = append(q.mins, lo)
		for _, v := range block {
			q.codes = append(q.codes, encode(v, scale, lo))
		}
		if len(block) < BlockSize {
			q.tail = append(make([]float32, 0, BlockSize), block...)
		}
	}
}

// blockParams works in float64: the range of two finite float32 values
// can exceed MaxFloat32, but the range divided by 255 cannot.
func blockParams(block []float32) (scale, lo float32) {
	lo, hi := block[0], block[0]
	for _, v := range block[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return float32((float64(hi) - float64(lo)) / 255), lo
}

func encode(v, scale, lo float32) byte {
	if scale == 0 {
		return 0
	}
	q := math.Round((float64(v) - float64(lo)) / float64(scale))
	return byte(max(0, min(255, q)))
}

func decode(code byte, scale, lo float32) float32 {
	v := float64(code)*float64(scale) + float64(lo)
	return float32(max(-math.MaxFloat32, min(math.MaxFloat32, v)))
}

func (q *qtensor) dequant(dst []float32, start int) {
	for i := range dst {
		idx := start + i
		b := idx / BlockSize
		dst[i] = decode(q.codes[idx], q.scales[b], q.mins[b])
	}
}

func (q *qtensor) view() BlockView {
	return BlockView{
		Codes:     q.codes[:len(q.codes):len(q.codes)],
		Scales:    q.scales[:len(q.scales):len(q.scales)],
		Mins:      q.mins[:len(q.mins):len(q.mins)],
		BlockSize: BlockSize,
	}
}
