package drive

import (
	"time"

	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

const (
	// Tracks and SectorsPerTrack describe a 16-sector 5.25" disk.
	Tracks          = 35
	SectorsPerTrack = 16

	// DefaultChainCapacity bounds the chain cache unless a geometry needs
	// more entries.
	DefaultChainCapacity = 150

	// ReadSize is a block plus its two CRC bytes.
	ReadSize = sdcard.BlockSize + 2

	defaultTimeout = 250 * time.Millisecond
	minCluster     = 2
)

// Geometry is the disk layout the translator maps onto clusters.
type Geometry struct {
	Tracks          int
	SectorsPerTrack int
	// ClusterShift is log2 of the card's sectors per cluster.
	ClusterShift uint8
}

// Sectors returns the number of sectors on the disk.
func (g Geometry) Sectors() int { return g.Tracks * g.SectorsPerTrack }

// SectorsPerCluster returns the number of disk sectors stored per cluster.
func (g Geometry) SectorsPerCluster() int { return 1 << g.ClusterShift }

// ChainCapacity is the number of chain entries needed to map every
// sector of g.
func ChainCapacity(g Geometry) int {
	spc := g.SectorsPerCluster()
	return (g.Sectors() + spc - 1) / spc
}

// Config tunes a Drive. Zero fields take defaults.
type Config struct {
	Tracks          int
	SectorsPerTrack int
	// ChainCapacity overrides the chain cache size.
	ChainCapacity int
	// Timeout bounds waits for the engine to go idle.
	Timeout time.Duration
	// Strict aborts a read before arming the engine when a card step
	// fails. Otherwise the transfer is armed and the failure returned.
	Strict bool
}

func (c Config) withDefaults(shift uint8) (Config, Geometry) {
	if c.Tracks <= 0 {
		c.Tracks = Tracks
	}
	if c.SectorsPerTrack <= 0 {
		c.SectorsPerTrack = SectorsPerTrack
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	g := Geometry{Tracks: c.Tracks, SectorsPerTrack: c.SectorsPerTrack, ClusterShift: shift}
	if c.ChainCapacity <= 0 {
		c.ChainCapacity = max(DefaultChainCapacity, ChainCapacity(g))
	}
	return c, g
}
