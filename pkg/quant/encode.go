package quant

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// QuantizeQ4_0 encodes values into Q4_0 blocks. len(values) must be a
// multiple of BlockSize.
func QuantizeQ4_0(values []float32) ([]byte, error) {
	if len(values)%BlockSize != 0 {
		return nil, &BlockSizeError{Scheme: Q4_0, Elems: len(values)}
	}
	out := make([]byte, len(values)/BlockSize*q4BlockBytes)
	for b := 0; b < len(values)/BlockSize; b++ {
		quantQ4_0Block(out[b*q4BlockBytes:(b+1)*q4BlockBytes], values[b*BlockSize:(b+1)*BlockSize])
	}
	return out, nil
}

// The scale maps the signed extreme of the block to code 0, so the
// opposite extreme may clamp at 15 and lose at most one step.
func quantQ4_0Block(dst []byte, x []float32) {
	var amax, vmax float32
	for _, v := range x {
		if a := abs32(v); a > amax {
			amax = a
			vmax = v
		}
	}
	h := float16.Fromfloat32(vmax / -8)
	binary.LittleEndian.PutUint16(dst[0:2], h.Bits())

	d := h.Float32()
	var id float32
	if d != 0 {
		id = 1 / d
	}
	qs := dst[2:]
	for j := range BlockSize / 2 {
		lo := nibble(x[j]*id + 8.5)
		hi := nibble(x[j+BlockSize/2]*id + 8.5)
		qs[j] = lo | hi<<4
	}
}

func nibble(f float32) byte {
	q := int(f)
	if f < 0 {
		q = 0
	}
	return byte(min(q, 15))
}

// QuantizeQ8_0 encodes values into Q8_0 blocks (fp16 scale + 32 int8 codes).
func QuantizeQ8_0(values []float32) ([]byte, error) {
	if len(values)%BlockSize != 0 {
		return nil, &BlockSizeError{Scheme: Q8_0, Elems: len(values)}
	}
	out := make([]byte, len(values)/BlockSize*q8BlockBytes)
	for b := 0; b < len(values)/BlockSize; b++ {
		dst := out[b*q8BlockBytes : (b+1)*q8BlockBytes]
		x := values[b*BlockSize : (b+1)*BlockSize]

		h := float16.Fromfloat32(absMax(x) / 127)
		binary.LittleEndian.PutUint16(dst[0:2], h.Bits())
		d := h.Float32()
		var id float32
		if d != 0 {
			id = 1 / d
		}
		for j, v := range x {
			dst[2+j] = byte(clampInt8(v * id))
		}
	}
	return out, nil
}

// QuantizeQ8 encodes values as symmetric int8 codes with a single scale
// of max|x|/127. The scale is returned rather than stored in the payload.
func QuantizeQ8(values []float32) ([]byte, float32) {
	scale := absMax(values) / 127
	out := make([]byte, len(values))
	if scale == 0 {
		return out, 0
	}
	for i, v := range values {
		out[i] = byte(clampInt8(v / scale))
	}
	return out, scale
}

// EncodeF32 writes values as little-endian float32.
func EncodeF32(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// EncodeF16 writes values as little-endian IEEE half precision.
func EncodeF16(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// EncodeBF16 writes values as little-endian bfloat16.
func EncodeBF16(values []float32) []byte {
	return bfloat16.EncodeFloat32(values)
}

func clampInt8(f float32) int8 {
	r := math.Round(float64(f))
	return int8(max(-127, min(127, r)))
}

func absMax(x []float32) float32 {
	var m float32
	for _, v := range x {
		m = max(m, abs32(v))
	}
	return m
}

func abs32(v float32) float32 {
	return math.Float32frombits(math.Float32bits(v) &^ (1 << 31))
}
