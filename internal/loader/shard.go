package loader

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/strata/internal/safetensors"
)

// shard gives read access to one tensor file. The file is mapped read-only
// when mmap is available, otherwise payloads are read with ReadAt.
type shard struct {
	path string
	f    *os.File
	size int64
	data []byte
}

func openShard(path string) (*shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s := &shard{path: path, f: f, size: st.Size()}
	if s.size <= 0 || s.size > int64(int(^uint(0)>>1)) {
		return s, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(s.size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		s.data = data
	}
	return s, nil
}

func (s *shard) mapped() bool { return s.data != nil }

// payload returns the bytes at loc. Mapped shards return a view into the
// mapping that is only valid until close.
func (s *shard) payload(loc safetensors.Location) ([]byte, error) {
	if loc.Offset < 0 || loc.Length < 0 || loc.End() > s.size {
		return nil, fmt.Errorf("loader: range [%d, %d) outside %s (%d bytes)", loc.Offset, loc.End(), s.path, s.size)
	}
	if s.mapped() {
		return s.data[loc.Offset:loc.End()], nil
	}
	buf := make([]byte, loc.Length)
	n, err := s.f.ReadAt(buf, loc.Offset)
	if err != nil && !(err == io.EOF && int64(n) == loc.Length) {
		return nil, fmt.Errorf("loader: read %s at %d: %w", s.path, loc.Offset, err)
	}
	return buf, nil
}

func (s *shard) close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
