package safetensors

import (
	"encoding/binary"
	"errors"
	"io"
	"maps"
	"os"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/strata/pkg/quant"
)

// MaxHeaderSize caps the JSON header; real headers are a few hundred KiB.
const MaxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// Location is the absolute byte range of one tensor payload.
type Location struct {
	File   string
	Offset int64
	Length int64
}

// End returns the exclusive end offset.
func (l Location) End() int64 { return l.Offset + l.Length }

// Descriptor describes where one tensor lives and how it is encoded.
// ScaleName is set for I8 tensors and names the F32 tensor holding the scale.
type Descriptor struct {
	Name      string
	Shape     []int
	Scheme    quant.Scheme
	Location  Location
	ScaleName string
}

// Elems returns the logical element count.
func (d Descriptor) Elems() int {
	n := 1
	for _, dim := range d.Shape {
		n *= dim
	}
	return n
}

// Header is the parsed header of one tensor file.
type Header struct {
	Path      string
	DataStart int64
	DataSize  int64
	Tensors   map[string]Descriptor
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// ReadHeader parses and validates the header of a single tensor file.
// Only the length prefix and JSON header are read.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, formatErr(path, "", "file is %d bytes, shorter than the 8-byte length prefix", size)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, err
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > MaxHeaderSize {
		return nil, formatErr(path, "", "header length %d outside (0, %d]", headerLen, MaxHeaderSize)
	}
	if int64(headerLen) > size-8 {
		return nil, formatErr(path, "", "truncated header: declares %d bytes, file holds %d", headerLen, size-8)
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, formatErr(path, "", "truncated header")
		}
		return nil, err
	}
	if buf[0] != '{' {
		return nil, formatErr(path, "", "header does not start with '{' (got 0x%02x)", buf[0])
	}

	dataStart := 8 + int64(headerLen)
	return parseHeader(path, buf, dataStart, size-dataStart)
}

func parseHeader(path string, buf []byte, dataStart, dataSize int64) (*Header, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, formatErr(path, "", "parse header: %v", err)
	}

	h := &Header{
		Path:      path,
		DataStart: dataStart,
		DataSize:  dataSize,
		Tensors:   make(map[string]Descriptor, len(raw)),
	}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &h.Metadata); err != nil {
			return nil, formatErr(path, "", "parse %s: %v", metadataKey, err)
		}
		delete(raw, metadataKey)
	}

	for _, name := range slices.Sorted(maps.Keys(raw)) {
		msg := raw[name]
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, formatErr(path, name, "parse entry: %v", err)
		}
		d, err := describe(path, name, th, dataStart, dataSize)
		if err != nil {
			return nil, err
		}
		h.Tensors[name] = d
	}
	return h, nil
}

func describe(path, name string, th tensorHeader, dataStart, dataSize int64) (Descriptor, error) {
	scheme, err := quant.ParseScheme(th.DType)
	if err != nil {
		return Descriptor{}, &quant.UnsupportedDtypeError{DType: th.DType, Tensor: name}
	}
	if len(th.DataOffsets) != 2 {
		return Descriptor{}, formatErr(path, name, "data_offsets has %d entries, want 2", len(th.DataOffsets))
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || start > end {
		return Descriptor{}, formatErr(path, name, "invalid data_offsets [%d, %d]", start, end)
	}
	if end > dataSize {
		return Descriptor{}, formatErr(path, name, "byte range [%d, %d) exceeds data section of %d bytes", start, end, dataSize)
	}
	if len(th.Shape) != 1 && len(th.Shape) != 2 {
		return Descriptor{}, formatErr(path, name, "shape %v has rank %d, want 1 or 2", th.Shape, len(th.Shape))
	}
	elems := 1
	for _, dim := range th.Shape {
		if dim <= 0 {
			return Descriptor{}, formatErr(path, name, "shape %v has non-positive dimension", th.Shape)
		}
		if elems > int(^uint(0)>>1)/dim {
			return Descriptor{}, formatErr(path, name, "shape %v overflows", th.Shape)
		}
		elems *= dim
	}
	want, err := scheme.EncodedSize(elems)
	if err != nil {
		return Descriptor{}, formatErr(path, name, "%v", err)
	}
	if got := end - start; got != want {
		return Descriptor{}, formatErr(path, name, "%s shape %v needs %d bytes, data_offsets span %d", scheme, th.Shape, want, got)
	}

	d := Descriptor{
		Name:   name,
		Shape:  append([]int(nil), th.Shape...),
		Scheme: scheme,
		Location: Location{
			File:   path,
			Offset: dataStart + start,
			Length: end - start,
		},
	}
	if scheme == quant.Q8 {
		d.ScaleName = name + ScaleSuffix
	}
	return d, nil
}
