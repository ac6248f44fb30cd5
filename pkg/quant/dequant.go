package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodedLen returns how many float32 values src expands to under s.
func DecodedLen(s Scheme, src []byte) (int, error) {
	if !s.Valid() {
		return 0, &UnsupportedDtypeError{DType: s.String()}
	}
	bb := s.BlockBytes()
	if len(src)%bb != 0 {
		return 0, &BlockSizeError{Scheme: s, Bytes: len(src)}
	}
	return len(src) / bb * s.BlockElems(), nil
}

// Dequantize decodes src into a freshly allocated float32 slice.
// Zero-length input yields a zero-length output.
func Dequantize(s Scheme, src []byte, p Params) ([]float32, error) {
	n, err := DecodedLen(s, src)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	if err := decode(out, s, src, p); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto decodes src into dst, which must hold exactly
// DecodedLen(s, src) values.
func DequantizeInto(dst []float32, s Scheme, src []byte, p Params) error {
	n, err := DecodedLen(s, src)
	if err != nil {
		return err
	}
	if len(dst) != n {
		return fmt.Errorf("quant: %s destination holds %d values, payload decodes to %d", s, len(dst), n)
	}
	return decode(dst, s, src, p)
}

func decode(dst []float32, s Scheme, src []byte, p Params) error {
	if len(src) == 0 {
		return nil
	}
	switch s {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case BF16:
		copy(dst, bfloat16.DecodeFloat32(src))
	case Q8:
		if math.IsNaN(float64(p.Scale)) || math.IsInf(float64(p.Scale), 0) {
			return fmt.Errorf("quant: I8 scale %v is not finite", p.Scale)
		}
		for i, b := range src {
			dst[i] = float32(int8(b)) * p.Scale
		}
	case Q4_0:
		for b := 0; b < len(src)/q4BlockBytes; b++ {
			dequantQ4_0Block(dst[b*BlockSize:(b+1)*BlockSize], src[b*q4BlockBytes:(b+1)*q4BlockBytes])
		}
	case Q8_0:
		for b := 0; b < len(src)/q8BlockBytes; b++ {
			dequantQ8_0Block(dst[b*BlockSize:(b+1)*BlockSize], src[b*q8BlockBytes:(b+1)*q8BlockBytes])
		}
	default:
		return &UnsupportedDtypeError{DType: s.String()}
	}
	return nil
}

// dequantQ4_0Block expands one 18-byte block: fp16 scale, then 16 bytes
// whose low nibbles hold values 0..15 and high nibbles values 16..31.
func dequantQ4_0Block(dst []float32, src []byte) {
	d := float16.Frombits(binary.LittleEndian.Uint16(src[0:2])).Float32()
	qs := src[2:]
	for j := range BlockSize / 2 {
		dst[j] = float32(int(qs[j]&0x0F)-8) * d
		dst[j+BlockSize/2] = float32(int(qs[j]>>4)-8) * d
	}
}

// dequantQ8_0Block expands one 34-byte block: fp16 scale, then 32 int8 codes.
func dequantQ8_0Block(dst []float32, src []byte) {
	d := float16.Frombits(binary.LittleEndian.Uint16(src[0:2])).Float32()
	for j := range BlockSize {
		dst[j] = float32(int8(src[2+j])) * d
	}
}
