package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/pkg/quant"
)

// ErrUnknownTensor is returned by Model.Tensor for names the model lacks.
var ErrUnknownTensor = errors.New("loader: unknown tensor")

// LoadError is the single terminal error of a failed Load. It names the
// tensor and shard being processed and unwraps to the typed cause.
type LoadError struct {
	Tensor string
	Shard  string
	Err    error
}

func (e *LoadError) Error() string {
	switch {
	case e.Tensor != "" && e.Shard != "":
		return fmt.Sprintf("load tensor %q from %s: %v", e.Tensor, e.Shard, e.Err)
	case e.Tensor != "":
		return fmt.Sprintf("load tensor %q: %v", e.Tensor, e.Err)
	case e.Shard != "":
		return fmt.Sprintf("load %s: %v", e.Shard, e.Err)
	default:
		return fmt.Sprintf("load: %v", e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

// locateError lifts tensor and shard names out of locator errors.
func locateError(path string, err error) *LoadError {
	le := &LoadError{Shard: path, Err: err}
	var fe *safetensors.FormatError
	var me *safetensors.MissingShardError
	var ue *quant.UnsupportedDtypeError
	switch {
	case errors.As(err, &fe):
		le.Tensor, le.Shard = fe.Tensor, fe.Path
	case errors.As(err, &me):
		le.Tensor, le.Shard = me.Tensor, me.Shard
	case errors.As(err, &ue):
		le.Tensor = ue.Tensor
	}
	return le
}

// errorKind labels failures for the load failure counter.
func errorKind(err error) string {
	var (
		fe  *safetensors.FormatError
		me  *safetensors.MissingShardError
		ue  *quant.UnsupportedDtypeError
		be  *quant.BlockSizeError
		se  *device.ShapeMismatchError
		oom *device.OutOfMemoryError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &fe):
		return "format"
	case errors.As(err, &me):
		return "missing_shard"
	case errors.As(err, &ue):
		return "unsupported_dtype"
	case errors.As(err, &be):
		return "block_size"
	case errors.As(err, &se):
		return "shape"
	case errors.As(err, &oom):
		return "out_of_memory"
	case errors.Is(err, fs.ErrNotExist):
		return "not_found"
	default:
		return "io"
	}
}
