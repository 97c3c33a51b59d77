package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/GLGPrograms/TinyDiskII/drive"
	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

// diskView reads the selected disk through the drive, either as raw
// nibble blocks in physical order or decoded into a sector-order image.
// Unmapped sectors read as zeros.
type diskView struct {
	mu    sync.Mutex
	s     *session
	geo   drive.Geometry
	order []int
	phys  []int
}

func newDiskView(s *session, order []int) (*diskView, error) {
	v := &diskView{s: s, geo: s.drv.Geometry(), order: order}
	if len(order) != v.geo.SectorsPerTrack {
		return nil, fmt.Errorf("sector order covers %d sectors, the disk has %d per track", len(order), v.geo.SectorsPerTrack)
	}
	v.phys = make([]int, len(order))
	for p, l := range order {
		v.phys[l] = p
	}
	return v, nil
}

func unitSize(decoded bool) int {
	if decoded {
		return sectorBytes
	}
	return sdcard.BlockSize
}

func (v *diskView) size(decoded bool) int64 {
	return int64(v.geo.Sectors() * unitSize(decoded))
}

// sector returns the contents of physical sector p of track t.
func (v *diskView) sector(t, p int, decoded bool) ([]byte, error) {
	block, err := v.s.readBlock(t, p)
	if errors.Is(err, drive.ErrUnmappedSector) {
		return make([]byte, unitSize(decoded)), nil
	}
	if err != nil {
		return nil, err
	}
	if !decoded {
		return block, nil
	}
	data, err := drive.DecodeBlock(block)
	if err != nil {
		return nil, fmt.Errorf("t:%d s:%d: %w", t, p, err)
	}
	return data, nil
}

func (v *diskView) readAt(buf []byte, off int64, decoded bool) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	unit := int64(unitSize(decoded))
	size := v.size(decoded)
	n := 0
	for n < len(buf) && off+int64(n) < size {
		pos := off + int64(n)
		idx := int(pos / unit)
		t, s := idx/v.geo.SectorsPerTrack, idx%v.geo.SectorsPerTrack
		if decoded {
			s = v.phys[s]
		}
		data, err := v.sector(t, s, decoded)
		if err != nil {
			return n, err
		}
		n += copy(buf[n:], data[pos%unit:])
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// viewReader exposes one rendering of a diskView as an io.ReaderAt.
type viewReader struct {
	v       *diskView
	decoded bool
}

func (r viewReader) ReadAt(p []byte, off int64) (int, error) {
	return r.v.readAt(p, off, r.decoded)
}

func (r viewReader) Size() int64 { return r.v.size(r.decoded) }
