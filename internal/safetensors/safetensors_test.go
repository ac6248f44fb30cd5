package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/strata/pkg/quant"
)

type fixture struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// writeSafetensors lays out fixtures back to back in the data section.
func writeSafetensors(t *testing.T, path string, tensors []fixture) {
	t.Helper()
	header := make(map[string]any, len(tensors)+1)
	header[metadataKey] = map[string]string{"format": "pt"}
	var data []byte
	for _, tf := range tensors {
		start := len(data)
		data = append(data, tf.data...)
		header[tf.name] = map[string]any{
			"dtype":        tf.dtype,
			"shape":        tf.shape,
			"data_offsets": []int{start, len(data)},
		}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	writeRaw(t, path, headerBytes, data)
}

func writeRaw(t *testing.T, path string, header, data []byte) {
	t.Helper()
	buf := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeIndex(t *testing.T, dir string, weightMap map[string]string) {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"metadata":   map[string]any{"total_size": 0},
		"weight_map": weightMap,
	})
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, IndexFile), b, 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
}

func f32(n int) []byte { return make([]byte, n*4) }

func TestReadHeaderValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, []fixture{
		{name: "weight", dtype: "F32", shape: []int{2, 3}, data: f32(6)},
		{name: "bias", dtype: "F16", shape: []int{3}, data: make([]byte, 6)},
		{name: "q", dtype: "Q4_0", shape: []int{2, 32}, data: make([]byte, 36)},
	})

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if len(h.Tensors) != 3 {
		t.Fatalf("expected 3 tensors, got %d", len(h.Tensors))
	}
	if h.Metadata["format"] != "pt" {
		t.Fatalf("expected metadata format=pt, got %v", h.Metadata)
	}

	w := h.Tensors["weight"]
	want := Descriptor{
		Name:     "weight",
		Shape:    []int{2, 3},
		Scheme:   quant.F32,
		Location: Location{File: path, Offset: h.DataStart, Length: 24},
	}
	if diff := cmp.Diff(want, w); diff != "" {
		t.Fatalf("weight descriptor mismatch (-want +got):\n%s", diff)
	}

	b := h.Tensors["bias"]
	if b.Location.Offset != h.DataStart+24 || b.Location.Length != 6 {
		t.Fatalf("unexpected bias location %+v", b.Location)
	}
	if q := h.Tensors["q"]; q.Scheme != quant.Q4_0 || q.Location.Length != 36 {
		t.Fatalf("unexpected q descriptor %+v", q)
	}
}

func TestReadHeaderRejectsMalformed(t *testing.T) {
	t.Parallel()
	entry := func(dtype string, shape []int, offsets []int) []byte {
		b, err := json.Marshal(map[string]any{
			"t": map[string]any{"dtype": dtype, "shape": shape, "data_offsets": offsets},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return b
	}

	tests := []struct {
		name   string
		header []byte
		data   []byte
		raw    []byte
	}{
		{name: "too short", raw: []byte{1, 2, 3}},
		{name: "zero header length", raw: make([]byte, 8)},
		{name: "truncated header", raw: []byte{0xff, 0, 0, 0, 0, 0, 0, 0, '{'}},
		{name: "oversized header", raw: []byte{0, 0, 0, 0, 1, 0, 0, 0}},
		{name: "bad magic", header: []byte(`[1, 2, 3]`)},
		{name: "invalid json", header: []byte(`{"t": nope}`)},
		{name: "one offset", header: entry("F32", []int{1}, []int{0}), data: f32(1)},
		{name: "start after end", header: entry("F32", []int{1}, []int{4, 0}), data: f32(1)},
		{name: "range past file", header: entry("F32", []int{4}, []int{0, 16}), data: f32(2)},
		{name: "rank three", header: entry("F32", []int{1, 1, 1}, []int{0, 4}), data: f32(1)},
		{name: "scalar shape", header: entry("F32", []int{}, []int{0, 4}), data: f32(1)},
		{name: "zero dim", header: entry("F32", []int{0}, []int{0, 0}), data: nil},
		{name: "size mismatch", header: entry("F32", []int{3}, []int{0, 8}), data: f32(2)},
		{name: "partial q4 block", header: entry("Q4_0", []int{16}, []int{0, 9}), data: make([]byte, 9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			if tt.raw != nil {
				if err := os.WriteFile(path, tt.raw, 0o644); err != nil {
					t.Fatalf("write: %v", err)
				}
			} else {
				writeRaw(t, path, tt.header, tt.data)
			}
			_, err := ReadHeader(path)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FormatError, got %v", err)
			}
		})
	}
}

func TestReadHeaderUnknownDtype(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, []fixture{
		{name: "w", dtype: "Q5_K", shape: []int{4}, data: make([]byte, 4)},
	})
	_, err := ReadHeader(path)
	var ue *quant.UnsupportedDtypeError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedDtypeError, got %v", err)
	}
	if ue.Tensor != "w" {
		t.Fatalf("expected error to name tensor w, got %q", ue.Tensor)
	}
}

func TestLocateSingleFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, []fixture{
		{name: "b", dtype: "F32", shape: []int{4}, data: f32(4)},
		{name: "a", dtype: "BF16", shape: []int{2, 2}, data: make([]byte, 8)},
	})
	m, err := Locate(path)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, SortedNames(m)); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{path}, Shards(m)); diff != "" {
		t.Fatalf("shards mismatch (-want +got):\n%s", diff)
	}
}

func TestLocateShardIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), []fixture{
		{name: "embed", dtype: "F32", shape: []int{2, 2}, data: f32(4)},
		{name: "q8", dtype: "I8", shape: []int{8}, data: make([]byte, 8)},
	})
	writeSafetensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), []fixture{
		{name: "q8_scale", dtype: "F32", shape: []int{1}, data: f32(1)},
		{name: "head", dtype: "Q8_0", shape: []int{32}, data: make([]byte, 34)},
	})
	writeIndex(t, dir, map[string]string{
		"embed":    "model-00001-of-00002.safetensors",
		"q8":       "model-00001-of-00002.safetensors",
		"q8_scale": "model-00002-of-00002.safetensors",
		"head":     "model-00002-of-00002.safetensors",
	})

	m, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if diff := cmp.Diff([]string{"embed", "head", "q8", "q8_scale"}, SortedNames(m)); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if got := m["q8"].ScaleName; got != "q8_scale" {
		t.Fatalf("expected scale name q8_scale, got %q", got)
	}
	if got := filepath.Base(m["head"].Location.File); got != "model-00002-of-00002.safetensors" {
		t.Fatalf("head located in %s", got)
	}
	if n := len(Shards(m)); n != 2 {
		t.Fatalf("expected 2 shards, got %d", n)
	}
}

func TestLocateLegacyIndexName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	b, _ := json.Marshal(map[string]any{"weight_map": map[string]string{"x": "a.safetensors"}})
	if err := os.WriteFile(filepath.Join(dir, LegacyIndexFile), b, 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	m, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if _, ok := m["x"]; !ok {
		t.Fatal("expected tensor x")
	}
}

func TestLocateMissingShard(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	writeIndex(t, dir, map[string]string{
		"x": "a.safetensors",
		"y": "b.safetensors",
	})
	_, err := Locate(dir)
	var me *MissingShardError
	if !errors.As(err, &me) {
		t.Fatalf("expected MissingShardError, got %v", err)
	}
	if me.Shard != "b.safetensors" || me.Tensor != "y" {
		t.Fatalf("unexpected error fields %+v", me)
	}
}

func TestLocateDuplicateAcrossShards(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	writeSafetensors(t, filepath.Join(dir, "b.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
		{name: "y", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	writeIndex(t, dir, map[string]string{
		"x": "a.safetensors",
		"y": "b.safetensors",
	})
	_, err := Locate(dir)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if fe.Tensor != "x" {
		t.Fatalf("expected duplicate x, got %q", fe.Tensor)
	}
}

func TestLocateIndexEntryNotInShard(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	writeIndex(t, dir, map[string]string{"x": "a.safetensors", "ghost": "a.safetensors"})
	_, err := Locate(dir)
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Tensor != "ghost" {
		t.Fatalf("expected FormatError naming ghost, got %v", err)
	}
}

func TestLocateReportsFirstBadTensorInNameOrder(t *testing.T) {
	t.Parallel()
	ghosts := t.TempDir()
	writeSafetensors(t, filepath.Join(ghosts, "a.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	weightMap := map[string]string{"x": "a.safetensors"}
	for _, g := range []string{"ghost.d", "ghost.b", "ghost.e", "ghost.a", "ghost.c"} {
		weightMap[g] = "a.safetensors"
	}
	writeIndex(t, ghosts, weightMap)

	dups := t.TempDir()
	var shared []fixture
	for _, n := range []string{"w.d", "w.b", "w.e", "w.a", "w.c"} {
		shared = append(shared, fixture{name: n, dtype: "F32", shape: []int{1}, data: f32(1)})
	}
	writeSafetensors(t, filepath.Join(dups, "a.safetensors"), shared)
	writeSafetensors(t, filepath.Join(dups, "b.safetensors"), shared)

	bad := filepath.Join(t.TempDir(), "bad.safetensors")
	var broken []fixture
	for _, n := range []string{"t.d", "t.b", "t.e", "t.a", "t.c"} {
		broken = append(broken, fixture{name: n, dtype: "F32", shape: []int{2}, data: f32(1)})
	}
	writeSafetensors(t, bad, broken)

	tests := map[string]struct {
		path string
		want string
	}{
		"index entries": {path: ghosts, want: "ghost.a"},
		"duplicates":    {path: dups, want: "w.a"},
		"header":        {path: bad, want: "t.a"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			for range 20 {
				_, err := Locate(tt.path)
				var fe *FormatError
				if !errors.As(err, &fe) {
					t.Fatalf("expected FormatError, got %v", err)
				}
				if fe.Tensor != tt.want {
					t.Fatalf("expected %q, got %q", tt.want, fe.Tensor)
				}
			}
		})
	}
}

func TestLocateRejectsEscapingShard(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeIndex(t, dir, map[string]string{"x": "../elsewhere.safetensors"})
	_, err := Locate(dir)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestLocateDirectoryWithoutIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSafetensors(t, filepath.Join(dir, "b.safetensors"), []fixture{
		{name: "y", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"), []fixture{
		{name: "x", dtype: "F32", shape: []int{1}, data: f32(1)},
	})
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if diff := cmp.Diff([]string{"x", "y"}, SortedNames(m)); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestLocateEmptyDirectory(t *testing.T) {
	t.Parallel()
	_, err := Locate(t.TempDir())
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestLocateI8RequiresScale(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, []fixture{
		{name: "w", dtype: "I8", shape: []int{4}, data: make([]byte, 4)},
	})
	_, err := Locate(path)
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Tensor != "w" {
		t.Fatalf("expected FormatError naming w, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, bad, []fixture{
		{name: "w", dtype: "I8", shape: []int{4}, data: make([]byte, 4)},
		{name: "w_scale", dtype: "F32", shape: []int{2}, data: f32(2)},
	})
	if _, err := Locate(bad); !errors.As(err, &fe) {
		t.Fatalf("expected FormatError for vector scale, got %v", err)
	}
}

func TestLocateNonexistentPath(t *testing.T) {
	t.Parallel()
	if _, err := Locate("/nonexistent/model.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}
