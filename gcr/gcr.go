// Package gcr implements the group code recording used on 16-sector
// 5.25" disks: 6-and-2 encoding of sector data and 4-and-4 (odd/even)
// encoding of address field values.
package gcr

import (
	"errors"
	"fmt"
)

const (
	// SectorSize is the number of user bytes in one sector.
	SectorSize = 256
	// auxSize is the number of 6-bit values holding the low two bits of each byte.
	auxSize = 86
	// EncodedSize is the number of nibbles produced for one sector,
	// including the trailing checksum nibble.
	EncodedSize = SectorSize + auxSize + 1
)

var (
	ErrSectorSize = errors.New("sector must be 256 bytes")
	ErrShortInput = errors.New("not enough nibbles")
	ErrBadNibble  = errors.New("invalid disk nibble")
	ErrChecksum   = errors.New("data field checksum mismatch")
)

// Nibble62 maps 6-bit values to valid disk nibbles.
var Nibble62 = [64]byte{
	0x96, 0x97, 0x9a, 0x9b, 0x9d, 0x9e, 0x9f, 0xa6,
	0xa7, 0xab, 0xac, 0xad, 0xae, 0xaf, 0xb2, 0xb3,
	0xb4, 0xb5, 0xb6, 0xb7, 0xb9, 0xba, 0xbb, 0xbc,
	0xbd, 0xbe, 0xbf, 0xcb, 0xcd, 0xce, 0xcf, 0xd3,
	0xd6, 0xd7, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde,
	0xdf, 0xe5, 0xe6, 0xe7, 0xe9, 0xea, 0xeb, 0xec,
	0xed, 0xee, 0xef, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6,
	0xf7, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff,
}

// denibble is the inverse of Nibble62; 0xFF marks bytes that are not nibbles.
var denibble [256]byte

func init() {
	for i := range denibble {
		denibble[i] = 0xFF
	}
	for v, n := range Nibble62 {
		denibble[n] = byte(v)
	}
}

// swap2 returns the two low bits of b in reversed order.
func swap2(b byte) byte {
	return (b&1)<<1 | (b&2)>>1
}

// Encode62 writes the EncodedSize nibbles for a 256-byte sector into dst.
func Encode62(dst, src []byte) error {
	if len(src) != SectorSize {
		return ErrSectorSize
	}
	if len(dst) < EncodedSize {
		return fmt.Errorf("encode: dst has %d bytes: %w", len(dst), ErrShortInput)
	}

	var seq [SectorSize + auxSize]byte
	for j := 0; j < auxSize; j++ {
		v := swap2(src[j]) | swap2(src[j+auxSize])<<2
		if j+2*auxSize < SectorSize {
			v |= swap2(src[j+2*auxSize]) << 4
		}
		seq[j] = v
	}
	for i := 0; i < SectorSize; i++ {
		seq[auxSize+i] = src[i] >> 2
	}

	var last byte
	for k, v := range seq {
		dst[k] = Nibble62[v^last]
		last = v
	}
	// last value doubles as the checksum
	dst[len(seq)] = Nibble62[last]
	return nil
}

// Decode62 reverses Encode62, verifying the checksum nibble.
func Decode62(src []byte) ([]byte, error) {
	if len(src) < EncodedSize {
		return nil, fmt.Errorf("decode: got %d nibbles: %w", len(src), ErrShortInput)
	}

	var seq [SectorSize + auxSize]byte
	var last byte
	for k := range seq {
		v := denibble[src[k]]
		if v == 0xFF {
			return nil, fmt.Errorf("decode: nibble %#02x at %d: %w", src[k], k, ErrBadNibble)
		}
		last ^= v
		seq[k] = last
	}
	sum := denibble[src[len(seq)]]
	if sum == 0xFF {
		return nil, fmt.Errorf("decode: checksum nibble %#02x: %w", src[len(seq)], ErrBadNibble)
	}
	if sum != last {
		return nil, ErrChecksum
	}

	out := make([]byte, SectorSize)
	for i := 0; i < SectorSize; i++ {
		out[i] = seq[auxSize+i] << 2
	}
	for j := 0; j < auxSize; j++ {
		v := seq[j]
		out[j] |= swap2(v & 3)
		out[j+auxSize] |= swap2((v >> 2) & 3)
		if j+2*auxSize < SectorSize {
			out[j+2*auxSize] |= swap2((v >> 4) & 3)
		}
	}
	return out, nil
}

// OddEven returns the 4-and-4 encoding of v used by address fields.
func OddEven(v byte) [2]byte {
	return [2]byte{0xAA | v>>1, 0xAA | v}
}

// DecodeOddEven reverses OddEven.
func DecodeOddEven(b [2]byte) byte {
	return (b[0]<<1 | 1) & b[1]
}
