package sdcard

import (
	"fmt"
	"io"
	"sync"
)

// MemImage is an in-memory card image.
type MemImage struct {
	mu  sync.RWMutex
	buf []byte
}

// NewMemImage returns a zeroed image of size bytes.
func NewMemImage(size int) *MemImage {
	return &MemImage{buf: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.
func (m *MemImage) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes never grow the image.
func (m *MemImage) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write of %d bytes at %d past end of %d-byte image", len(p), off, len(m.buf))
	}
	return copy(m.buf[off:], p), nil
}

// Size returns the image length in bytes.
func (m *MemImage) Size() int64 {
	return int64(len(m.buf))
}

// Bytes returns the backing slice.
func (m *MemImage) Bytes() []byte {
	return m.buf
}
