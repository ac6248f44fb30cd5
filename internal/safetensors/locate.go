package safetensors

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/strata/pkg/quant"
)

// Index file names, in lookup order.
const (
	IndexFile       = "model.safetensors.index.json"
	LegacyIndexFile = "index.json"
)

// ScaleSuffix names the sibling tensor carrying an I8 tensor's scale.
const ScaleSuffix = "_scale"

type shardIndex struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// Locate maps every tensor under path to its descriptor. path may be a
// single tensor file, a directory with a shard index, or a directory of
// tensor files without an index (merged in name order).
func Locate(path string) (map[string]Descriptor, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var out map[string]Descriptor
	switch {
	case !st.IsDir():
		h, err := ReadHeader(path)
		if err != nil {
			return nil, err
		}
		out = h.Tensors
	default:
		idx, err := findIndex(path)
		if err != nil {
			return nil, err
		}
		if idx != "" {
			out, err = locateIndexed(path, idx)
		} else {
			out, err = locateDir(path)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := checkScales(out); err != nil {
		return nil, err
	}
	return out, nil
}

// SortedNames returns the tensor names in lexical order.
func SortedNames(m map[string]Descriptor) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Shards returns the distinct files referenced by m in lexical order.
func Shards(m map[string]Descriptor) []string {
	seen := make(map[string]struct{})
	for _, d := range m {
		seen[d.Location.File] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

func findIndex(dir string) (string, error) {
	for _, name := range []string{IndexFile, LegacyIndexFile} {
		p := filepath.Join(dir, name)
		st, err := os.Stat(p)
		if err == nil && !st.IsDir() {
			return p, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", nil
}

func locateIndexed(dir, idxPath string) (map[string]Descriptor, error) {
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, formatErr(idxPath, "", "parse index: %v", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, formatErr(idxPath, "", "index has an empty weight_map")
	}

	// First referencing tensor per shard, for error reporting.
	firstRef := make(map[string]string)
	for _, name := range slices.Sorted(maps.Keys(idx.WeightMap)) {
		shard := idx.WeightMap[name]
		if shard == "" || !filepath.IsLocal(shard) {
			return nil, formatErr(idxPath, name, "invalid shard name %q", shard)
		}
		if _, ok := firstRef[shard]; !ok {
			firstRef[shard] = name
		}
	}

	shards := slices.Sorted(maps.Keys(firstRef))
	headers := make(map[string]*Header, len(shards))
	for _, shard := range shards {
		full := filepath.Join(dir, shard)
		if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingShardError{Index: idxPath, Shard: shard, Tensor: firstRef[shard]}
		}
		h, err := ReadHeader(full)
		if err != nil {
			return nil, err
		}
		headers[shard] = h
	}

	for _, name := range slices.Sorted(maps.Keys(idx.WeightMap)) {
		shard := idx.WeightMap[name]
		if _, ok := headers[shard].Tensors[name]; !ok {
			return nil, formatErr(idxPath, name, "index maps tensor to shard %q, which does not declare it", shard)
		}
	}

	ordered := make([]*Header, 0, len(shards))
	for _, shard := range shards {
		ordered = append(ordered, headers[shard])
	}
	return merge(ordered)
}

func locateDir(dir string) (map[string]Descriptor, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, formatErr(dir, "", "no .safetensors files and no %s", IndexFile)
	}
	slices.Sort(files)

	headers := make([]*Header, 0, len(files))
	for _, f := range files {
		h, err := ReadHeader(f)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return merge(headers)
}

func merge(headers []*Header) (map[string]Descriptor, error) {
	n := 0
	for _, h := range headers {
		n += len(h.Tensors)
	}
	out := make(map[string]Descriptor, n)
	for _, h := range headers {
		for _, name := range slices.Sorted(maps.Keys(h.Tensors)) {
			d := h.Tensors[name]
			if prev, ok := out[name]; ok {
				return nil, formatErr(h.Path, name, "duplicate tensor, also declared in %s", prev.Location.File)
			}
			out[name] = d
		}
	}
	return out, nil
}

func checkScales(m map[string]Descriptor) error {
	for _, name := range SortedNames(m) {
		d := m[name]
		if d.ScaleName == "" {
			continue
		}
		s, ok := m[d.ScaleName]
		if !ok {
			return formatErr(d.Location.File, name, "I8 tensor has no %s tensor", d.ScaleName)
		}
		if s.Scheme != quant.F32 || s.Elems() != 1 {
			return formatErr(s.Location.File, s.Name, "scale must be a single F32 value, got %s %v", s.Scheme, s.Shape)
		}
	}
	return nil
}
