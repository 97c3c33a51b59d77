// Package drive emulates a 16-sector floppy drive on top of a disk image
// stored on a FAT16 card. It maps track/sector requests onto the image's
// cluster chain and streams blocks between the card and memory with a
// dual-channel DMA engine.
package drive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	log "github.com/dsoprea/go-logging"

	"github.com/GLGPrograms/TinyDiskII/dma"
	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

var driveLog = log.NewLogger("drive")

// Volume is the part of the file system the drive reads while selecting
// an image.
type Volume interface {
	// FirstCluster returns the first cluster of root directory entry.
	FirstCluster(entry int) (uint16, error)
	// NextCluster returns the raw chain-table value for cluster.
	NextCluster(cluster uint16) (uint16, error)
	// DataOffset is the card offset of cluster 2.
	DataOffset() int64
	ClusterShift() uint8
}

// Card is the block protocol the pipelines issue before handing the bus
// to the engine.
type Card interface {
	Command(cmd byte, arg uint32) (byte, error)
	WaitForData() error
	WriteByte(b byte) error
	WaitReady() (byte, error)
}

// Drive is one emulated drive session. It is driven by a single control
// goroutine; the engine is the only other actor touching its buffers.
type Drive struct {
	vol  Volume
	card Card
	eng  dma.Engine
	cfg  Config
	geo  Geometry

	chain    []uint16
	selected bool
	entry    int

	cache   [ReadSize]byte
	dummy   [1]byte
	scratch [1]byte
	reading bool

	pending bool
	wTrack  int
	wSector int
}

// New returns a drive with no image selected.
func New(vol Volume, card Card, eng dma.Engine, cfg Config) *Drive {
	cfg, geo := cfg.withDefaults(vol.ClusterShift())
	return &Drive{
		vol:   vol,
		card:  card,
		eng:   eng,
		cfg:   cfg,
		geo:   geo,
		chain: make([]uint16, cfg.ChainCapacity),
		dummy: [1]byte{0xFF},
		entry: -1,
	}
}

// Geometry returns the geometry the drive translates with.
func (d *Drive) Geometry() Geometry { return d.geo }

// Config returns the effective configuration.
func (d *Drive) Config() Config { return d.cfg }

// SelectFile builds the chain cache for root directory entry and marks
// the image selected. An outstanding write is finalized first.
func (d *Drive) SelectFile(entry int) error {
	ctx := context.Background()

	d.selected = false
	d.entry = -1
	clear(d.chain)

	if d.pending {
		if err := d.settle(); err != nil {
			return err
		}
	} else if err := d.checkIdle(); err != nil {
		return err
	}

	first, err := d.vol.FirstCluster(entry)
	if err != nil {
		return &TranslationError{Entry: entry, Err: err}
	}
	d.chain[0] = first

	n := 1
	for ; n < len(d.chain); n++ {
		next, err := d.vol.NextCluster(d.chain[n-1])
		if err != nil {
			return &TranslationError{Entry: entry, Err: err}
		}
		if next < minCluster || next > 0xFFF6 {
			break
		}
		d.chain[n] = next
	}
	driveLog.Debugf(ctx, "entry %d: chain of %d clusters", entry, n)

	d.selected = true
	d.entry = entry
	return nil
}

// Selected reports whether an image is selected.
func (d *Drive) Selected() bool { return d.selected }

// Entry returns the selected directory entry, or -1.
func (d *Drive) Entry() int { return d.entry }

// Deselect drops the selection. The chain cache is kept until the next
// SelectFile.
func (d *Drive) Deselect() {
	d.selected = false
}

// Chain returns a copy of the mapped chain entries.
func (d *Drive) Chain() []uint16 {
	var out []uint16
	for _, c := range d.chain {
		if c < minCluster {
			break
		}
		out = append(out, c)
	}
	return out
}

// Translate maps track and sector to a byte offset from the card's data
// region.
func (d *Drive) Translate(track, sector int) (int64, error) {
	g := d.geo
	if track < 0 || track >= g.Tracks || sector < 0 || sector >= g.SectorsPerTrack {
		return 0, &TranslationError{Entry: -1, Track: track, Sector: sector, Err: ErrInvalidAddress}
	}
	idx := track*g.SectorsPerTrack + sector
	cluster := idx >> g.ClusterShift
	off := idx & (g.SectorsPerCluster() - 1)
	if cluster >= len(d.chain) || d.chain[cluster] < minCluster {
		return 0, &TranslationError{Entry: -1, Track: track, Sector: sector, Err: ErrUnmappedSector}
	}
	block := int64(d.chain[cluster]-minCluster)<<g.ClusterShift + int64(off)
	return block * sdcard.BlockSize, nil
}

// ReadSector starts streaming the block for track and sector into the
// sector cache and returns once the engine is armed. Use ReadDone or
// WaitRead before touching the cache.
//
// Card protocol failures are returned as a *ProtocolError. Unless the
// drive is strict, the transfer is armed anyway and the error has Armed
// set.
func (d *Drive) ReadSector(track, sector int) error {
	ctx := context.Background()

	if !d.selected {
		return &TranslationError{Entry: -1, Track: track, Sector: sector, Err: ErrNotSelected}
	}
	if d.pending {
		if err := d.settle(); err != nil {
			return err
		}
	}
	if err := d.checkIdle(); err != nil {
		return err
	}
	addr, err := d.cardAddr(track, sector)
	if err != nil {
		return err
	}

	pe := &ProtocolError{Op: "read", Track: track, Sector: sector}
	_, err = d.card.Command(sdcard.CmdSetBlockLen, sdcard.BlockSize)
	pe.add("set block length", err)
	_, err = d.card.Command(sdcard.CmdReadSingleBlock, addr)
	pe.add("read single block", err)
	pe.add("data token", d.card.WaitForData())

	if pe.failed() {
		driveLog.Warningf(ctx, "read protocol failure t:%d s:%d", track, sector)
		if d.cfg.Strict {
			return pe
		}
	}

	rx := dma.Transfer{
		Src:     dma.Register(),
		Dst:     dma.Memory(d.cache[:], dma.Increment),
		Count:   ReadSize,
		Trigger: dma.TriggerRXC,
	}
	tx := dma.Transfer{
		Src:     dma.Memory(d.dummy[:], dma.Fixed),
		Dst:     dma.Register(),
		Count:   ReadSize,
		Trigger: dma.TriggerDRE,
	}
	if err := d.arm(rx, tx); err != nil {
		return err
	}
	d.reading = true

	if pe.failed() {
		pe.Armed = true
		return pe
	}
	return nil
}

// ReadDone reports whether no read transfer is outstanding.
func (d *Drive) ReadDone() bool {
	if !d.reading {
		return true
	}
	if d.eng.Status().Active() {
		return false
	}
	d.reading = false
	return true
}

// WaitRead blocks until the outstanding read has landed in the sector
// cache, or the drive timeout expires.
func (d *Drive) WaitRead() error {
	deadline := time.Now().Add(d.cfg.Timeout)
	for !d.ReadDone() {
		if time.Now().After(deadline) {
			return fmt.Errorf("read transfer: %w", ErrTimeout)
		}
		runtime.Gosched()
	}
	return nil
}

// Byte returns byte offset of the sector cache. offset must be below
// ReadSize.
func (d *Drive) Byte(offset int) byte {
	return d.cache[offset]
}

// Block returns a copy of the block held by the sector cache.
func (d *Drive) Block() []byte {
	out := make([]byte, sdcard.BlockSize)
	copy(out, d.cache[:])
	return out
}

// WriteSector starts streaming f to the block for track and sector and
// returns once the engine is armed. A write still awaiting its card
// response is finalized first. f must not change until PollWriteback
// reports true.
//
// If the card rejected that earlier write, the new write is still
// issued and the rejection is returned joined with its outcome; Pending
// tells whether the new write was armed. If the earlier write cannot
// be finalized, the new write is not issued.
func (d *Drive) WriteSector(f *Frame, track, sector int) error {
	if !d.selected {
		return &TranslationError{Entry: -1, Track: track, Sector: sector, Err: ErrNotSelected}
	}
	var prior error
	if d.pending {
		if err := d.settle(); err != nil {
			if d.pending {
				return err
			}
			prior = err
		}
	} else if err := d.checkIdle(); err != nil {
		return err
	}
	return errors.Join(prior, d.startWrite(f, track, sector))
}

func (d *Drive) startWrite(f *Frame, track, sector int) error {
	ctx := context.Background()

	addr, err := d.cardAddr(track, sector)
	if err != nil {
		if errors.Is(err, ErrInvalidAddress) {
			driveLog.Warningf(ctx, "irregular t:%d s:%d", track, sector)
		}
		return err
	}

	pe := &ProtocolError{Op: "write", Track: track, Sector: sector}
	_, err = d.card.Command(sdcard.CmdWriteBlock, addr)
	pe.add("write block", err)
	if !pe.failed() {
		pe.add("start token", d.card.WriteByte(sdcard.StartBlockToken))
	}
	if pe.failed() {
		driveLog.Warningf(ctx, "write protocol failure t:%d s:%d", track, sector)
		return pe
	}

	rx := dma.Transfer{
		Src:     dma.Register(),
		Dst:     dma.Memory(d.scratch[:], dma.Fixed),
		Count:   FrameSize,
		Trigger: dma.TriggerRXC,
	}
	tx := dma.Transfer{
		Src:     dma.Memory(f[:], dma.Increment),
		Dst:     dma.Register(),
		Count:   FrameSize,
		Trigger: dma.TriggerDRE,
	}
	d.scratch[0] = 0xFF
	d.pending = true
	d.wTrack, d.wSector = track, sector
	if err := d.arm(rx, tx); err != nil {
		d.pending = false
		return err
	}
	return nil
}

// Pending reports whether a write is waiting for its card response.
func (d *Drive) Pending() bool { return d.pending }

// PollWriteback reports whether no write is outstanding. It returns
// false without blocking while the engine still moves the frame. Once
// the engine is idle it drains the card's busy signal, bounded by the
// card timeout, and checks the data response.
//
// A rejected block clears the pending write and is returned as a
// *ProtocolError. A drain timeout leaves the write pending.
func (d *Drive) PollWriteback() (bool, error) {
	if !d.pending {
		return true, nil
	}
	if d.eng.Status().Active() {
		return false, nil
	}
	if err := d.ack(); err != nil {
		return !d.pending, err
	}
	return true, nil
}

// settle waits for the engine to finish the outstanding write and
// consumes the card's response to it.
func (d *Drive) settle() error {
	deadline := time.Now().Add(d.cfg.Timeout)
	for d.eng.Status().Active() {
		if time.Now().After(deadline) {
			return fmt.Errorf("write t:%d s:%d still streaming: %w", d.wTrack, d.wSector, ErrTimeout)
		}
		runtime.Gosched()
	}
	return d.ack()
}

func (d *Drive) ack() error {
	ctx := context.Background()

	if _, err := d.card.WaitReady(); err != nil {
		driveLog.Warningf(ctx, "write t:%d s:%d: card still busy", d.wTrack, d.wSector)
		return fmt.Errorf("write t:%d s:%d: %w", d.wTrack, d.wSector, err)
	}
	d.pending = false

	if token := d.scratch[0]; !sdcard.IsAccepted(token) {
		driveLog.Warningf(ctx, "write t:%d s:%d rejected, response %#02x", d.wTrack, d.wSector, token)
		pe := &ProtocolError{Op: "write", Track: d.wTrack, Sector: d.wSector}
		pe.add("data response", &sdcard.TokenError{Token: token})
		return pe
	}
	return nil
}

// cardAddr returns the card byte address of the block for track and
// sector.
func (d *Drive) cardAddr(track, sector int) (uint32, error) {
	off, err := d.Translate(track, sector)
	if err != nil {
		return 0, err
	}
	addr := d.vol.DataOffset() + off
	if addr < 0 || addr > math.MaxUint32 {
		return 0, &TranslationError{Entry: -1, Track: track, Sector: sector, Err: ErrAddressRange}
	}
	return uint32(addr), nil
}

// checkIdle resets the engine if it is found active outside a transfer
// the drive knows about.
func (d *Drive) checkIdle() error {
	st := d.eng.Status()
	if !st.Active() {
		d.reading = false
		return nil
	}
	d.eng.Reset()
	d.reading = false
	driveLog.Warningf(context.Background(), "dma busy %v, reset", st)
	return ErrEngineFault
}

// arm enables the receive channel, then the transmit channel.
func (d *Drive) arm(rx, tx dma.Transfer) error {
	if err := d.eng.Arm(dma.Ch0, rx); err != nil {
		d.eng.Reset()
		return fmt.Errorf("arm %v: %w", dma.Ch0, err)
	}
	if err := d.eng.Arm(dma.Ch1, tx); err != nil {
		d.eng.Reset()
		return fmt.Errorf("arm %v: %w", dma.Ch1, err)
	}
	return nil
}
