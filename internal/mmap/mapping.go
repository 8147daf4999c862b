package mmap

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Mapping is a read-only view of a whole sealed file.
type Mapping struct {
	path   string
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Open maps the file at path read-only and applies the access hint. Empty
// files yield an empty mapping that needs no unmapping. A rejected hint is
// not an error.
func Open(path string, hint AccessPattern) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size < 0 || int64(int(size)) != size {
		return nil, fmt.Errorf("%s: %w: %d bytes", path, ErrInvalidSize, size)
	}

	m := &Mapping{path: path}
	if size == 0 {
		return m, nil
	}
	if m.data, m.unmap, err = osMap(f, int(size)); err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	_ = osAdvise(m.data, hint)
	return m, nil
}

// Path returns the mapped file name.
func (m *Mapping) Path() string { return m.path }

// Bytes returns the mapped region, or nil once closed.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the mapped length in bytes.
func (m *Mapping) Size() int { return len(m.data) }

// Region returns n bytes starting at off without copying.
func (m *Mapping) Region(off, n int) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off > len(m.data)-n {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+n, len(m.data))
	}
	return m.data[off : off+n : off+n], nil
}

// Close unmaps the file. Slices handed out earlier must not be used after
// Close returns. Close is idempotent.
func (m *Mapping) Close() error {
	if m == nil || m.closed.Swap(true) {
		return nil
	}
	if m.unmap == nil || len(m.data) == 0 {
		return nil
	}
	return m.unmap(m.data)
}
