package fat16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-restruct/restruct"
)

// Backing is storage that can be both read and written at offsets.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

var (
	ErrNoSpace   = errors.New("no space left on volume")
	ErrDirFull   = errors.New("root directory full")
	ErrBadName   = errors.New("invalid 8.3 file name")
	ErrFileExist = errors.New("file exists")
)

/* ===================== geometry ===================== */

// Params is the formatting geometry of a card image.
type Params struct {
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors      uint32
	SectorsPerFAT     uint16
	Media             uint8
	SectorsPerTrack   uint16
	NumHeads          uint16
	Label             string
	OEM               string
}

// Layout is the sector layout derived from Params.
type Layout struct {
	FATSectors     uint32
	RootDirSectors uint32
	DataSectors    uint32
	Clusters       uint32
}

// ParamsForSize picks card geometry for a FAT16 volume of size bytes. A
// zero sectorsPerCluster selects the usual cluster size for the card size.
func ParamsForSize(size int64, sectorsPerCluster uint8) (Params, error) {
	if size%SectorSize != 0 {
		return Params{}, fmt.Errorf("size %d is not a multiple of %d", size, SectorSize)
	}
	p := Params{
		ReservedSectors: 1,
		NumFATs:         2,
		RootEntries:     512,
		Media:           0xF8,
		SectorsPerTrack: 32,
		NumHeads:        2,
		SectorsPerFAT:   32,
	}
	if size/SectorSize > 0xFFFFFFFF {
		return Params{}, fmt.Errorf("size %d too large", size)
	}
	p.TotalSectors = uint32(size / SectorSize)

	spc := sectorsPerCluster
	if spc == 0 {
		switch {
		case size <= 128*1024*1024:
			spc = 4
		case size <= 256*1024*1024:
			spc = 8
		case size <= 512*1024*1024:
			spc = 16
		case size <= 1024*1024*1024:
			spc = 32
		default:
			spc = 64
		}
	}
	if spc&(spc-1) != 0 {
		return Params{}, fmt.Errorf("sectors per cluster %d is not a power of two", spc)
	}
	p.SectorsPerCluster = spc
	return p, nil
}

// ComputeLayout sizes the FATs for p, updating p.SectorsPerFAT, and
// checks that the cluster count is valid for FAT16.
func ComputeLayout(p *Params) (Layout, error) {
	var l Layout
	l.RootDirSectors = (uint32(p.RootEntries)*DirEntrySize + SectorSize - 1) / SectorSize
	for i := 0; i < 8; i++ {
		l.FATSectors = uint32(p.SectorsPerFAT)
		meta := uint32(p.ReservedSectors) + uint32(p.NumFATs)*l.FATSectors + l.RootDirSectors
		if p.TotalSectors <= meta {
			return l, errors.New("no room for data sectors")
		}
		l.DataSectors = p.TotalSectors - meta
		l.Clusters = l.DataSectors / uint32(p.SectorsPerCluster)
		need := ((l.Clusters+2)*2 + SectorSize - 1) / SectorSize
		if need == l.FATSectors {
			break
		}
		p.SectorsPerFAT = uint16(need)
	}
	if l.Clusters < 4085 || l.Clusters > 65524 {
		return l, fmt.Errorf("clusters=%d invalid for FAT16", l.Clusters)
	}
	return l, nil
}

/* ===================== builders ===================== */

func padRight(s string, n int) []byte {
	if len(s) > n {
		s = s[:n]
	}
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return b
}

func buildBootSector(p Params) ([]byte, error) {
	label := p.Label
	if label == "" {
		label = "NO NAME"
	}
	oem := p.OEM
	if oem == "" {
		oem = "TINYDSK2"
	}
	bs := BootSector{
		Jump:              [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:    SectorSize,
		SectorsPerCluster: p.SectorsPerCluster,
		ReservedSectors:   p.ReservedSectors,
		NumFATs:           p.NumFATs,
		RootEntries:       p.RootEntries,
		Media:             p.Media,
		SectorsPerFAT:     p.SectorsPerFAT,
		SectorsPerTrack:   p.SectorsPerTrack,
		NumHeads:          p.NumHeads,
		DriveNumber:       0x80,
		BootSig:           0x29,
		VolumeID:          0x12345678,
	}
	if p.TotalSectors <= 0xFFFF {
		bs.TotalSectors16 = uint16(p.TotalSectors)
	} else {
		bs.TotalSectors32 = p.TotalSectors
	}
	copy(bs.OEMName[:], padRight(strings.ToUpper(oem), 8))
	copy(bs.VolumeLabel[:], padRight(strings.ToUpper(label), 11))
	copy(bs.FSType[:], "FAT16   ")

	raw, err := restruct.Pack(binary.LittleEndian, &bs)
	if err != nil {
		return nil, fmt.Errorf("pack boot sector: %w", err)
	}
	sec := make([]byte, SectorSize)
	copy(sec, raw)
	// jmp $ so a machine booted from the card halts
	sec[bpbSize], sec[bpbSize+1] = 0xEB, 0xFE
	binary.LittleEndian.PutUint16(sec[510:], bootSignature)
	return sec, nil
}

func buildLabelEntry(label string) ([]byte, error) {
	if label == "" {
		return nil, nil
	}
	var e DirEntry
	l := padRight(strings.ToUpper(label), 11)
	copy(e.Name[:], l[:8])
	copy(e.Ext[:], l[8:])
	e.Attr = AttrVolumeID
	return restruct.Pack(binary.LittleEndian, &e)
}

func initFAT(b []byte, media byte) {
	if len(b) >= 4 {
		b[0] = media
		b[1] = 0xFF
		b[2] = 0xFF
		b[3] = 0xFF
	}
}

// zeroSpan zeroes sectors starting at absolute sector absStart.
func zeroSpan(w io.WriterAt, absStart, sectors int64) error {
	const zSize = 1 << 20
	z := make([]byte, zSize)
	total := sectors * SectorSize
	for written := int64(0); written < total; {
		k := total - written
		if k > zSize {
			k = zSize
		}
		if _, err := w.WriteAt(z[:k], absStart*SectorSize+written); err != nil {
			return err
		}
		written += k
	}
	return nil
}

// Format writes an empty FAT16 file system described by p onto w. The
// data region is left untouched.
func Format(w io.WriterAt, p Params) (Layout, error) {
	l, err := ComputeLayout(&p)
	if err != nil {
		return l, err
	}
	boot, err := buildBootSector(p)
	if err != nil {
		return l, err
	}
	if _, err := w.WriteAt(boot, 0); err != nil {
		return l, fmt.Errorf("write boot sector: %w", err)
	}

	for i := 0; i < int(p.NumFATs); i++ {
		abs := int64(p.ReservedSectors) + int64(i)*int64(l.FATSectors)
		if err := zeroSpan(w, abs, int64(l.FATSectors)); err != nil {
			return l, fmt.Errorf("zero FAT #%d: %w", i+1, err)
		}
		head := make([]byte, SectorSize)
		initFAT(head, p.Media)
		if _, err := w.WriteAt(head, abs*SectorSize); err != nil {
			return l, fmt.Errorf("write FAT #%d: %w", i+1, err)
		}
	}

	absRoot := int64(p.ReservedSectors) + int64(p.NumFATs)*int64(l.FATSectors)
	if err := zeroSpan(w, absRoot, int64(l.RootDirSectors)); err != nil {
		return l, fmt.Errorf("zero root directory: %w", err)
	}
	ent, err := buildLabelEntry(p.Label)
	if err != nil {
		return l, fmt.Errorf("pack label: %w", err)
	}
	if ent != nil {
		if _, err := w.WriteAt(ent, absRoot*SectorSize); err != nil {
			return l, fmt.Errorf("write label: %w", err)
		}
	}
	return l, nil
}

/* ===================== files ===================== */

// ShortName converts name to the padded 8.3 form stored in entries.
func ShortName(name string) (base [8]byte, ext [3]byte, err error) {
	up := strings.ToUpper(name)
	stem, suffix, _ := strings.Cut(up, ".")
	if stem == "" || len(stem) > 8 || len(suffix) > 3 || strings.ContainsAny(stem+suffix, ` ."*+,/:;<=>?[\]|`) {
		return base, ext, fmt.Errorf("%q: %w", name, ErrBadName)
	}
	copy(base[:], padRight(stem, 8))
	copy(ext[:], padRight(suffix, 3))
	return base, ext, nil
}

// AddFile stores data as a new root directory file called name. Clusters
// are taken from the lowest free ones, leaving stride-1 free clusters
// between consecutive links so that stride > 1 yields a scattered chain.
// It returns the new entry's index.
func AddFile(rw Backing, name string, data []byte, stride int) (int, error) {
	if stride < 1 {
		stride = 1
	}
	base, ext, err := ShortName(name)
	if err != nil {
		return 0, err
	}
	v, err := Open(rw)
	if err != nil {
		return 0, err
	}
	if _, err := v.Find(name); err == nil {
		return 0, fmt.Errorf("%s: %w", name, ErrFileExist)
	}

	slot := -1
	for i := 0; i < int(v.Boot.RootEntries); i++ {
		e, err := v.Entry(i)
		if err != nil {
			return 0, err
		}
		if e.IsEnd() || e.IsFree() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, ErrDirFull
	}

	csize := v.ClusterSize()
	need := (len(data) + csize - 1) / csize
	chain, err := v.allocate(need, stride)
	if err != nil {
		return 0, err
	}
	for i, c := range chain {
		next := uint16(EndOfChain)
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		if err := v.setNext(rw, c, next); err != nil {
			return 0, err
		}
		chunk := make([]byte, csize)
		copy(chunk, data[i*csize:])
		if _, err := rw.WriteAt(chunk, v.ClusterOffset(c)); err != nil {
			return 0, fmt.Errorf("write cluster %d: %w", c, err)
		}
	}

	e := DirEntry{Name: base, Ext: ext, Attr: AttrArchive, FileSize: uint32(len(data))}
	if len(chain) > 0 {
		e.FirstCluster = chain[0]
	}
	raw, err := restruct.Pack(binary.LittleEndian, &e)
	if err != nil {
		return 0, fmt.Errorf("pack entry: %w", err)
	}
	if _, err := rw.WriteAt(raw, v.DirAddr+int64(slot)*DirEntrySize); err != nil {
		return 0, fmt.Errorf("write entry %d: %w", slot, err)
	}
	return slot, nil
}

// ClusterOffset returns the absolute byte offset of data cluster c.
func (v *Volume) ClusterOffset(c uint16) int64 {
	return v.DataAddr + int64(c-MinCluster)*int64(v.ClusterSize())
}

func (v *Volume) allocate(n, stride int) ([]uint16, error) {
	last := MinCluster + v.Clusters()
	if last > MaxCluster+1 {
		last = MaxCluster + 1
	}
	var chain []uint16
	for c := MinCluster; len(chain) < n && c < last; c++ {
		val, err := v.NextCluster(uint16(c))
		if err != nil {
			return nil, err
		}
		if val != 0 {
			continue
		}
		chain = append(chain, uint16(c))
		c += stride - 1
	}
	if len(chain) < n {
		return nil, fmt.Errorf("need %d clusters, found %d: %w", n, len(chain), ErrNoSpace)
	}
	return chain, nil
}

func (v *Volume) setNext(w io.WriterAt, c, next uint16) error {
	if int(c) >= MinCluster+v.Clusters() {
		return fmt.Errorf("cluster %d: %w", c, ErrBadCluster)
	}
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], next)
	for i := 0; i < int(v.Boot.NumFATs); i++ {
		off := v.FATAddr + int64(i)*int64(v.Boot.SectorsPerFAT)*SectorSize + int64(c)*2
		if _, err := w.WriteAt(raw[:], off); err != nil {
			return fmt.Errorf("write FAT #%d entry %d: %w", i+1, c, err)
		}
	}
	return nil
}
