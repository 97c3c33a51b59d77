package main

import (
	"fmt"
	"strings"

	"github.com/GLGPrograms/TinyDiskII/drive"
	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

const (
	sectorBytes = 256
	volumeByte  = 254
)

// Sector orders map a physical sector number to the sector's position
// within a track of a sector-order image.
var (
	dos33Order  = []int{0x0, 0x7, 0xE, 0x6, 0xD, 0x5, 0xC, 0x4, 0xB, 0x3, 0xA, 0x2, 0x9, 0x1, 0x8, 0xF}
	prodosOrder = []int{0x0, 0x8, 0x1, 0x9, 0x2, 0xA, 0x3, 0xB, 0x4, 0xC, 0x5, 0xD, 0x6, 0xE, 0x7, 0xF}
	linearOrder = []int{0x0, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xA, 0xB, 0xC, 0xD, 0xE, 0xF}
)

func parseOrder(name string) ([]int, error) {
	switch strings.ToLower(name) {
	case "dos", "dos33", "do", "dsk":
		return dos33Order, nil
	case "prodos", "po":
		return prodosOrder, nil
	case "linear", "physical":
		return linearOrder, nil
	}
	return nil, fmt.Errorf("unknown sector order %q (dos|prodos|linear)", name)
}

// dskSize is the size of a sector-order image for the given geometry.
func dskSize(tracks, sectors int) int {
	return tracks * sectors * sectorBytes
}

// dskToNIC nibblizes a sector-order image into one frame per block, in
// physical sector order.
func dskToNIC(dsk []byte, order []int, tracks, sectors int, volume byte) ([]byte, error) {
	if len(dsk) != dskSize(tracks, sectors) {
		return nil, fmt.Errorf("image is %d bytes, want %d for %d tracks of %d sectors", len(dsk), dskSize(tracks, sectors), tracks, sectors)
	}
	if len(order) < sectors {
		return nil, fmt.Errorf("sector order covers %d sectors, want %d", len(order), sectors)
	}
	nic := make([]byte, 0, tracks*sectors*sdcard.BlockSize)
	var f drive.Frame
	drive.BuildFrame(&f)
	for t := 0; t < tracks; t++ {
		for p := 0; p < sectors; p++ {
			off := (t*sectors + order[p]) * sectorBytes
			f.SetAddress(volume, byte(t), byte(p))
			if err := f.EncodeSector(dsk[off : off+sectorBytes]); err != nil {
				return nil, fmt.Errorf("t:%d s:%d: %w", t, p, err)
			}
			nic = append(nic, f[:sdcard.BlockSize]...)
		}
	}
	return nic, nil
}

// placeSector decodes a block read from physical sector p of track t into
// its slot of the sector-order image dst.
func placeSector(dst []byte, order []int, sectors, t, p int, block []byte) error {
	data, err := drive.DecodeBlock(block)
	if err != nil {
		return fmt.Errorf("t:%d s:%d: %w", t, p, err)
	}
	off := (t*sectors + order[p]) * sectorBytes
	copy(dst[off:off+sectorBytes], data)
	return nil
}
