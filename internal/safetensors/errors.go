package safetensors

import "fmt"

// FormatError reports a malformed tensor file, shard index or descriptor.
type FormatError struct {
	Path   string
	Tensor string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("safetensors: %s: tensor %q: %s", e.Path, e.Tensor, e.Reason)
	}
	return fmt.Sprintf("safetensors: %s: %s", e.Path, e.Reason)
}

func formatErr(path, tensor, format string, args ...any) *FormatError {
	return &FormatError{Path: path, Tensor: tensor, Reason: fmt.Sprintf(format, args...)}
}

// MissingShardError reports a shard named by the index that is not on disk.
type MissingShardError struct {
	Index  string
	Shard  string
	Tensor string
}

func (e *MissingShardError) Error() string {
	return fmt.Sprintf("safetensors: %s: shard %q (first referenced by %q) does not exist", e.Index, e.Shard, e.Tensor)
}
