package quant

import "fmt"

// UnsupportedDtypeError reports a dtype or scheme with no decode kernel.
type UnsupportedDtypeError struct {
	DType  string
	Tensor string
}

func (e *UnsupportedDtypeError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("quant: tensor %q: unsupported dtype %q", e.Tensor, e.DType)
	}
	return fmt.Sprintf("quant: unsupported dtype %q", e.DType)
}

// BlockSizeError reports a payload or element count that does not split
// into whole blocks for its scheme.
type BlockSizeError struct {
	Scheme Scheme
	Bytes  int
	Elems  int
}

func (e *BlockSizeError) Error() string {
	if e.Bytes > 0 {
		return fmt.Sprintf("quant: %s payload of %d bytes is not a multiple of %d-byte blocks",
			e.Scheme, e.Bytes, e.Scheme.BlockBytes())
	}
	return fmt.Sprintf("quant: %s needs a multiple of %d elements, got %d",
		e.Scheme, e.Scheme.BlockElems(), e.Elems)
}
