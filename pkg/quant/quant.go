package quant

import (
	"fmt"
	"strings"
)

// Scheme identifies how tensor elements are encoded on disk.
// The set is closed: every value has exactly one decode kernel.
type Scheme uint8

const (
	F32 Scheme = iota + 1
	F16
	BF16
	Q4_0
	Q8
	Q8_0
)

const (
	// BlockSize is the number of logical values in a Q4_0 / Q8_0 block.
	BlockSize = 32

	q4BlockBytes = 2 + BlockSize/2
	q8BlockBytes = 2 + BlockSize
)

// Params carries per-tensor decode inputs that do not live in the payload.
type Params struct {
	// Scale is the external scale factor for Q8 tensors.
	Scale float32
}

// ParseScheme maps an on-disk dtype string to a Scheme.
func ParseScheme(dtype string) (Scheme, error) {
	switch strings.ToUpper(strings.TrimSpace(dtype)) {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	case "BF16":
		return BF16, nil
	case "Q4_0":
		return Q4_0, nil
	case "I8", "Q8":
		return Q8, nil
	case "Q8_0":
		return Q8_0, nil
	default:
		return 0, &UnsupportedDtypeError{DType: dtype}
	}
}

func (s Scheme) String() string {
	switch s {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case Q4_0:
		return "Q4_0"
	case Q8:
		return "I8"
	case Q8_0:
		return "Q8_0"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the known schemes.
func (s Scheme) Valid() bool {
	return s >= F32 && s <= Q8_0
}

// Quantized reports whether s stores low-bit codes rather than floats.
func (s Scheme) Quantized() bool {
	return s == Q4_0 || s == Q8 || s == Q8_0
}

// BlockElems returns how many logical values one encoded block expands to.
func (s Scheme) BlockElems() int {
	switch s {
	case Q4_0, Q8_0:
		return BlockSize
	case F32, F16, BF16, Q8:
		return 1
	default:
		return 0
	}
}

// BlockBytes returns the encoded size of one block.
func (s Scheme) BlockBytes() int {
	switch s {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case Q8:
		return 1
	case Q4_0:
		return q4BlockBytes
	case Q8_0:
		return q8BlockBytes
	default:
		return 0
	}
}

// EncodedSize returns the payload size for n logical values.
// Block schemes require n to be a whole number of blocks.
func (s Scheme) EncodedSize(n int) (int64, error) {
	if !s.Valid() {
		return 0, &UnsupportedDtypeError{DType: s.String()}
	}
	if n < 0 {
		return 0, fmt.Errorf("quant: negative element count %d", n)
	}
	per := s.BlockElems()
	if n%per != 0 {
		return 0, &BlockSizeError{Scheme: s, Elems: n}
	}
	return int64(n/per) * int64(s.BlockBytes()), nil
}
