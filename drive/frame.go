package drive

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/GLGPrograms/TinyDiskII/gcr"
	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

// A Frame is one sector as stored in a nibble image block, followed by
// the two CRC bytes and the trailing byte that clocks in the card's data
// response during a write.
//
//	[0:22)    0xFF lead gap
//	[22:34)   sync pattern
//	[34:56)   address prologue, address field, epilogue, gap, data prologue
//	[56:402)  payload: 343 data nibbles and the DE AA EB epilogue
//	[402:416) 0xFF gap
//	[416:512) 0x00 fill
//	[512:514) CRC placeholder
//	[514]     dummy
type Frame [FrameSize]byte

const (
	FrameSize = sdcard.BlockSize + 3

	PayloadOffset = 56
	PayloadSize   = 346

	leadGap    = 22
	syncOffset = leadGap
	hdrOffset  = syncOffset + 12
	addrOffset = hdrOffset + 3
	gapOffset  = PayloadOffset + PayloadSize
	fillOffset = gapOffset + 14
	crcOffset  = sdcard.BlockSize
)

var (
	syncPattern = [12]byte{0x03, 0xFC, 0xFF, 0x3F, 0xCF, 0xF3, 0xFC, 0xFF, 0x3F, 0xCF, 0xF3, 0xFC}

	fieldHeaders = [22]byte{
		0xD5, 0xAA, 0x96, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xDE, 0xAA, 0xEB,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0xD5, 0xAA, 0xAD,
	}

	dataEpilogue = [3]byte{0xDE, 0xAA, 0xEB}
)

var ErrBadFrame = errors.New("malformed sector frame")

// BuildFrame writes the fixed envelope of a sector frame into f. The
// payload region is not touched.
func BuildFrame(f *Frame) {
	for i := 0; i < leadGap; i++ {
		f[i] = 0xFF
	}
	copy(f[syncOffset:], syncPattern[:])
	copy(f[hdrOffset:], fieldHeaders[:])
	for i := gapOffset; i < fillOffset; i++ {
		f[i] = 0xFF
	}
	for i := fillOffset; i < crcOffset; i++ {
		f[i] = 0x00
	}
	f[crcOffset] = 0xFF
	f[crcOffset+1] = 0xFF
	f[crcOffset+2] = 0xFF
}

// Payload returns the payload region of f.
func (f *Frame) Payload() []byte {
	return f[PayloadOffset : PayloadOffset+PayloadSize]
}

// SetAddress fills the address field with volume, track, sector and
// their checksum.
func (f *Frame) SetAddress(volume, track, sector byte) {
	for i, v := range []byte{volume, track, sector, volume ^ track ^ sector} {
		oe := gcr.OddEven(v)
		f[addrOffset+2*i] = oe[0]
		f[addrOffset+2*i+1] = oe[1]
	}
}

// EncodeSector stores the 6-and-2 encoding of a 256-byte sector in the
// payload.
func (f *Frame) EncodeSector(data []byte) error {
	p := f.Payload()
	if err := gcr.Encode62(p, data); err != nil {
		return err
	}
	copy(p[gcr.EncodedSize:], dataEpilogue[:])
	return nil
}

// Address decodes the address field of a frame-formatted block and
// checks its checksum.
func Address(block []byte) (volume, track, sector byte, err error) {
	if len(block) < PayloadOffset || !bytes.Equal(block[hdrOffset:addrOffset], fieldHeaders[:3]) {
		return 0, 0, 0, fmt.Errorf("address prologue: %w", ErrBadFrame)
	}
	var v [4]byte
	for i := range v {
		v[i] = gcr.DecodeOddEven([2]byte{block[addrOffset+2*i], block[addrOffset+2*i+1]})
	}
	if v[0]^v[1]^v[2] != v[3] {
		return 0, 0, 0, fmt.Errorf("address checksum %#02x: %w", v[3], ErrBadFrame)
	}
	return v[0], v[1], v[2], nil
}

// DecodeBlock returns the 256 sector bytes held by a frame-formatted block.
func DecodeBlock(block []byte) ([]byte, error) {
	if len(block) < gapOffset {
		return nil, fmt.Errorf("block of %d bytes: %w", len(block), ErrBadFrame)
	}
	if !bytes.Equal(block[PayloadOffset-3:PayloadOffset], fieldHeaders[19:]) {
		return nil, fmt.Errorf("data prologue: %w", ErrBadFrame)
	}
	return gcr.Decode62(block[PayloadOffset : PayloadOffset+gcr.EncodedSize])
}
