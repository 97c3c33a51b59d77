// Package fat16 reads the parts of a FAT16 volume a disk-image consumer
// needs: the BIOS parameter block, root directory entries and single
// chain-table entries. It also authors small FAT16 card images.
package fat16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"github.com/go-restruct/restruct"
)

const (
	SectorSize    = 512
	DirEntrySize  = 32
	bootSignature = 0xAA55

	// Chain-table values outside [MinCluster, MaxCluster] end a chain.
	MinCluster = 0x0002
	MaxCluster = 0xFFF6
	EndOfChain = 0xFFFF

	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	attrLongName  = 0x0F

	entryFree    = 0xE5
	entryEnd     = 0x00
	bpbSize      = 62
	mbrTableOff  = 0x1BE
	mbrEntrySize = 16
)

var (
	ErrNotFAT16   = errors.New("not a FAT16 volume")
	ErrNoEntry    = errors.New("no such directory entry")
	ErrNotFound   = errors.New("file not found")
	ErrBadCluster = errors.New("cluster out of range")
)

// BootSector holds the BIOS parameter block and extended boot record of
// a FAT12/16 volume, as stored in its first 62 bytes.
type BootSector struct {
	Jump              [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT     uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	DriveNumber       uint8
	Reserved1         uint8
	BootSig           uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSType            [8]byte
}

// TotalSectors returns whichever total-sector field is in use.
func (b *BootSector) TotalSectors() uint32 {
	if b.TotalSectors16 != 0 {
		return uint32(b.TotalSectors16)
	}
	return b.TotalSectors32
}

// DirEntry is a 32-byte short-name directory entry.
type DirEntry struct {
	Name         [8]byte
	Ext          [3]byte
	Attr         uint8
	NTReserved   uint8
	CreateTenth  uint8
	CreateTime   uint16
	CreateDate   uint16
	AccessDate   uint16
	ClusterHigh  uint16
	WriteTime    uint16
	WriteDate    uint16
	FirstCluster uint16
	FileSize     uint32
}

// FileName returns the entry's name in NAME.EXT form.
func (e *DirEntry) FileName() string {
	name := strings.TrimRight(string(e.Name[:]), " ")
	ext := strings.TrimRight(string(e.Ext[:]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// IsEnd reports whether e marks the end of the directory.
func (e *DirEntry) IsEnd() bool { return e.Name[0] == entryEnd }

// IsFree reports whether e is a deleted entry.
func (e *DirEntry) IsFree() bool { return e.Name[0] == entryFree }

// IsFile reports whether e is a regular file entry.
func (e *DirEntry) IsFile() bool {
	if e.IsEnd() || e.IsFree() || e.Attr == attrLongName {
		return false
	}
	return e.Attr&(AttrVolumeID|AttrDirectory) == 0
}

type partitionEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	LBAStart uint32
	Sectors  uint32
}

// Volume is an open FAT16 volume. All addresses are absolute byte
// offsets on the underlying device.
type Volume struct {
	r    io.ReaderAt
	Boot BootSector

	Base     int64
	FATAddr  int64
	DirAddr  int64
	DataAddr int64
	shift    uint8
}

// Open reads the boot sector of the volume on r. A master boot record is
// followed to its first FAT16 partition.
func Open(r io.ReaderAt) (*Volume, error) {
	sec := make([]byte, SectorSize)
	if _, err := r.ReadAt(sec, 0); err != nil {
		return nil, fmt.Errorf("read sector 0: %w", err)
	}
	if binary.LittleEndian.Uint16(sec[510:]) != bootSignature {
		return nil, fmt.Errorf("missing boot signature: %w", ErrNotFAT16)
	}

	var base int64
	if sec[0] != 0xEB && sec[0] != 0xE9 {
		lba, err := firstPartition(sec)
		if err != nil {
			return nil, err
		}
		base = int64(lba) * SectorSize
		if _, err := r.ReadAt(sec, base); err != nil {
			return nil, fmt.Errorf("read partition boot sector: %w", err)
		}
	}

	v := &Volume{r: r, Base: base}
	if err := restruct.Unpack(sec[:bpbSize], binary.LittleEndian, &v.Boot); err != nil {
		return nil, fmt.Errorf("unpack boot sector: %w", err)
	}
	b := &v.Boot
	spc := b.SectorsPerCluster
	if b.BytesPerSector != SectorSize || spc == 0 || spc&(spc-1) != 0 || b.NumFATs == 0 || b.SectorsPerFAT == 0 {
		return nil, fmt.Errorf("bpb bytes/sector %d sectors/cluster %d fats %d sectors/fat %d: %w",
			b.BytesPerSector, spc, b.NumFATs, b.SectorsPerFAT, ErrNotFAT16)
	}
	v.shift = uint8(bits.TrailingZeros8(spc))

	v.FATAddr = base + int64(b.ReservedSectors)*SectorSize
	v.DirAddr = v.FATAddr + int64(b.NumFATs)*int64(b.SectorsPerFAT)*SectorSize
	rootSecs := (int64(b.RootEntries)*DirEntrySize + SectorSize - 1) / SectorSize
	v.DataAddr = v.DirAddr + rootSecs*SectorSize
	return v, nil
}

func firstPartition(mbr []byte) (uint32, error) {
	for i := 0; i < 4; i++ {
		off := mbrTableOff + i*mbrEntrySize
		var p partitionEntry
		if err := restruct.Unpack(mbr[off:off+mbrEntrySize], binary.LittleEndian, &p); err != nil {
			return 0, fmt.Errorf("unpack partition %d: %w", i, err)
		}
		switch p.Type {
		case 0x04, 0x06, 0x0E:
			return p.LBAStart, nil
		}
	}
	return 0, fmt.Errorf("no FAT16 partition: %w", ErrNotFAT16)
}

// ClusterShift returns log2 of the sectors per cluster.
func (v *Volume) ClusterShift() uint8 { return v.shift }

// ClusterSize returns the cluster size in bytes.
func (v *Volume) ClusterSize() int { return SectorSize << v.shift }

// DataOffset returns the absolute offset of cluster 2.
func (v *Volume) DataOffset() int64 { return v.DataAddr }

// Clusters returns the number of data clusters.
func (v *Volume) Clusters() int {
	total := int64(v.Boot.TotalSectors())*SectorSize + v.Base
	return int((total - v.DataAddr) / int64(v.ClusterSize()))
}

// Entry reads root directory entry index.
func (v *Volume) Entry(index int) (DirEntry, error) {
	var e DirEntry
	if index < 0 || index >= int(v.Boot.RootEntries) {
		return e, fmt.Errorf("entry %d of %d: %w", index, v.Boot.RootEntries, ErrNoEntry)
	}
	raw := make([]byte, DirEntrySize)
	if _, err := v.r.ReadAt(raw, v.DirAddr+int64(index)*DirEntrySize); err != nil {
		return e, fmt.Errorf("read entry %d: %w", index, err)
	}
	if err := restruct.Unpack(raw, binary.LittleEndian, &e); err != nil {
		return e, fmt.Errorf("unpack entry %d: %w", index, err)
	}
	return e, nil
}

// FirstCluster returns the first cluster of root directory entry index.
func (v *Volume) FirstCluster(index int) (uint16, error) {
	e, err := v.Entry(index)
	if err != nil {
		return 0, err
	}
	return e.FirstCluster, nil
}

// NextCluster returns the raw chain-table value stored for cluster.
func (v *Volume) NextCluster(cluster uint16) (uint16, error) {
	var raw [2]byte
	if _, err := v.r.ReadAt(raw[:], v.FATAddr+int64(cluster)*2); err != nil {
		return 0, fmt.Errorf("read chain entry %d: %w", cluster, err)
	}
	return binary.LittleEndian.Uint16(raw[:]), nil
}

// Listing pairs a directory entry with its index.
type Listing struct {
	Index int
	Entry DirEntry
}

// Files lists the regular files in the root directory.
func (v *Volume) Files() ([]Listing, error) {
	var out []Listing
	for i := 0; i < int(v.Boot.RootEntries); i++ {
		e, err := v.Entry(i)
		if err != nil {
			return nil, err
		}
		if e.IsEnd() {
			break
		}
		if e.IsFile() {
			out = append(out, Listing{Index: i, Entry: e})
		}
	}
	return out, nil
}

// Find returns the listing of the file called name (case-insensitive).
func (v *Volume) Find(name string) (Listing, error) {
	files, err := v.Files()
	if err != nil {
		return Listing{}, err
	}
	for _, f := range files {
		if strings.EqualFold(f.Entry.FileName(), name) {
			return f, nil
		}
	}
	return Listing{}, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Chain walks the chain starting at first, returning at most limit clusters.
func (v *Volume) Chain(first uint16, limit int) ([]uint16, error) {
	var chain []uint16
	c := first
	for len(chain) < limit && c >= MinCluster && c <= MaxCluster {
		chain = append(chain, c)
		next, err := v.NextCluster(c)
		if err != nil {
			return chain, err
		}
		c = next
	}
	return chain, nil
}
