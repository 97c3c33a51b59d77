package drive

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/GLGPrograms/TinyDiskII/dma"
	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

var errNoEntry = errors.New("no entry")

type fakeVolume struct {
	first map[int]uint16
	fat   map[uint16]uint16
	shift uint8
	data  int64
	err   error
	reads int
}

func (v *fakeVolume) FirstCluster(entry int) (uint16, error) {
	c, ok := v.first[entry]
	if !ok {
		return 0, fmt.Errorf("entry %d: %w", entry, errNoEntry)
	}
	return c, nil
}

func (v *fakeVolume) NextCluster(c uint16) (uint16, error) {
	v.reads++
	if v.err != nil {
		return 0, v.err
	}
	return v.fat[c], nil
}

func (v *fakeVolume) DataOffset() int64   { return v.data }
func (v *fakeVolume) ClusterShift() uint8 { return v.shift }

// link stores chain as the file of entry, terminated by an end marker.
func (v *fakeVolume) link(entry int, chain ...uint16) {
	if v.first == nil {
		v.first = map[int]uint16{}
		v.fat = map[uint16]uint16{}
	}
	v.first[entry] = chain[0]
	for i := 0; i+1 < len(chain); i++ {
		v.fat[chain[i]] = chain[i+1]
	}
	v.fat[chain[len(chain)-1]] = 0xFFFF
}

type cardCall struct {
	cmd byte
	arg uint32
}

type fakeCard struct {
	calls    []cardCall
	cmdErr   map[byte]error
	dataErr  error
	readyErr error
	written  []byte
	waits    int
}

func (c *fakeCard) Command(cmd byte, arg uint32) (byte, error) {
	c.calls = append(c.calls, cardCall{cmd, arg})
	if err := c.cmdErr[cmd]; err != nil {
		return 0x04, err
	}
	return 0, nil
}

func (c *fakeCard) WaitForData() error { return c.dataErr }

func (c *fakeCard) WriteByte(b byte) error {
	c.written = append(c.written, b)
	return nil
}

func (c *fakeCard) WaitReady() (byte, error) {
	c.waits++
	if c.readyErr != nil {
		return 0, c.readyErr
	}
	return 0xFF, nil
}

type armed struct {
	ch dma.Channel
	t  dma.Transfer
}

type fakeEngine struct {
	status dma.Status
	arms   []armed
	resets int
	onArm  func()
}

func (e *fakeEngine) Arm(ch dma.Channel, t dma.Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if e.onArm != nil {
		e.onArm()
	}
	e.arms = append(e.arms, armed{ch, t})
	return nil
}

func (e *fakeEngine) Status() dma.Status { return e.status }

func (e *fakeEngine) Reset() {
	e.resets++
	e.status = 0
}

func newFakeDrive(t *testing.T, cfg Config, chain ...uint16) (*Drive, *fakeVolume, *fakeCard, *fakeEngine) {
	t.Helper()
	vol := &fakeVolume{shift: 2, data: 0x10000}
	vol.link(0, chain...)
	card := &fakeCard{}
	eng := &fakeEngine{}
	d := New(vol, card, eng, cfg)
	if err := d.SelectFile(0); err != nil {
		t.Fatalf("SelectFile: %v", err)
	}
	return d, vol, card, eng
}

func TestTranslate(t *testing.T) {
	d, _, _, _ := newFakeDrive(t, Config{}, 5, 6, 7)

	tests := []struct {
		track, sector int
		want          int64
		err           error
	}{
		{0, 0, 6144, nil},
		{0, 3, 6144 + 3*512, nil},
		{0, 5, 8704, nil},
		{0, 11, (7-2)*4*512 + 3*512, nil},
		{0, 12, 0, ErrUnmappedSector},
		{34, 15, 0, ErrUnmappedSector},
		{35, 0, 0, ErrInvalidAddress},
		{0, 16, 0, ErrInvalidAddress},
		{-1, 0, 0, ErrInvalidAddress},
	}
	for _, tt := range tests {
		got, err := d.Translate(tt.track, tt.sector)
		if !errors.Is(err, tt.err) {
			t.Errorf("Translate(%d, %d) error %v, want %v", tt.track, tt.sector, err, tt.err)
			continue
		}
		if err != nil {
			var te *TranslationError
			if !errors.As(err, &te) || te.Track != tt.track || te.Sector != tt.sector {
				t.Errorf("Translate(%d, %d) error %#v", tt.track, tt.sector, err)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("Translate(%d, %d) = %d, want %d", tt.track, tt.sector, got, tt.want)
		}
	}
}

func TestTranslateBeforeSelect(t *testing.T) {
	vol := &fakeVolume{shift: 2}
	d := New(vol, &fakeCard{}, &fakeEngine{}, Config{})
	if d.Selected() {
		t.Fatal("selected before SelectFile")
	}
	if _, err := d.Translate(0, 0); !errors.Is(err, ErrUnmappedSector) {
		t.Errorf("Translate before select: %v", err)
	}
}

func TestTranslateInjective(t *testing.T) {
	// a scattered chain covering the whole disk
	chain := make([]uint16, 140)
	for i := range chain {
		chain[i] = uint16(2 + (i*37)%140)
	}
	d, _, _, _ := newFakeDrive(t, Config{}, chain...)

	seen := map[int64]string{}
	for tr := 0; tr < Tracks; tr++ {
		for s := 0; s < SectorsPerTrack; s++ {
			off, err := d.Translate(tr, s)
			if err != nil {
				t.Fatalf("Translate(%d, %d): %v", tr, s, err)
			}
			if off%512 != 0 {
				t.Fatalf("offset %d not block aligned", off)
			}
			key := fmt.Sprintf("%d:%d", tr, s)
			if prev, ok := seen[off]; ok {
				t.Fatalf("%s and %s both map to %d", prev, key, off)
			}
			seen[off] = key
		}
	}
}

func TestChainCapacity(t *testing.T) {
	tests := []struct {
		geo  Geometry
		want int
	}{
		{Geometry{35, 16, 2}, 140},
		{Geometry{35, 16, 0}, 560},
		{Geometry{35, 16, 3}, 70},
		{Geometry{40, 16, 2}, 160},
	}
	for _, tt := range tests {
		if got := ChainCapacity(tt.geo); got != tt.want {
			t.Errorf("ChainCapacity(%+v) = %d, want %d", tt.geo, got, tt.want)
		}
	}

	d := New(&fakeVolume{shift: 2}, &fakeCard{}, &fakeEngine{}, Config{})
	if c := d.Config().ChainCapacity; c != DefaultChainCapacity {
		t.Errorf("default capacity %d", c)
	}
	d = New(&fakeVolume{shift: 0}, &fakeCard{}, &fakeEngine{}, Config{})
	if c := d.Config().ChainCapacity; c != 560 {
		t.Errorf("capacity for 1 sector clusters %d", c)
	}
}

func TestSelectStopsAtCapacity(t *testing.T) {
	long := make([]uint16, 200)
	for i := range long {
		long[i] = uint16(i + 2)
	}
	d, vol, _, _ := newFakeDrive(t, Config{ChainCapacity: 150}, long...)
	if got := len(d.Chain()); got != 150 {
		t.Errorf("chain length %d, want 150", got)
	}
	if vol.reads != 149 {
		t.Errorf("%d chain-table reads, want 149", vol.reads)
	}
	if !d.Selected() {
		t.Error("not selected")
	}
}

func TestSelectRebuild(t *testing.T) {
	d, vol, _, _ := newFakeDrive(t, Config{}, 2, 3, 4, 5, 6, 7)
	vol.link(1, 40, 41)

	first := d.Chain()
	if err := d.SelectFile(0); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(d.Chain()) != fmt.Sprint(first) {
		t.Errorf("rebuild %v, first build %v", d.Chain(), first)
	}

	if err := d.SelectFile(1); err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(d.Chain()); got != "[40 41]" {
		t.Errorf("chain %s", got)
	}
	if _, err := d.Translate(1, 0); !errors.Is(err, ErrUnmappedSector) {
		t.Errorf("stale tail still mapped: %v", err)
	}
	if d.Entry() != 1 {
		t.Errorf("Entry() = %d", d.Entry())
	}
}

func TestSelectFailure(t *testing.T) {
	d, vol, _, _ := newFakeDrive(t, Config{}, 5, 6, 7)

	var te *TranslationError
	if err := d.SelectFile(9); !errors.As(err, &te) || te.Entry != 9 || !errors.Is(err, errNoEntry) {
		t.Errorf("missing entry: %v", err)
	}
	if d.Selected() {
		t.Error("selected after failed build")
	}

	vol.err = errors.New("card gone")
	if err := d.SelectFile(0); !errors.Is(err, vol.err) {
		t.Errorf("storage failure: %v", err)
	}
	if d.Selected() || d.Entry() != -1 {
		t.Error("selected after storage failure")
	}
	if err := d.ReadSector(0, 0); !errors.Is(err, ErrNotSelected) {
		t.Errorf("read without selection: %v", err)
	}
}

func TestDeselect(t *testing.T) {
	d, _, card, _ := newFakeDrive(t, Config{}, 5, 6, 7)
	d.Deselect()
	if d.Selected() {
		t.Fatal("still selected")
	}
	var f Frame
	if err := d.WriteSector(&f, 0, 0); !errors.Is(err, ErrNotSelected) {
		t.Errorf("write without selection: %v", err)
	}
	if len(card.calls) != 0 {
		t.Errorf("card used: %v", card.calls)
	}
}

func TestReadSectorArms(t *testing.T) {
	d, _, card, eng := newFakeDrive(t, Config{}, 5, 6, 7)

	if err := d.ReadSector(0, 5); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	want := []cardCall{
		{sdcard.CmdSetBlockLen, 512},
		{sdcard.CmdReadSingleBlock, 0x10000 + 8704},
	}
	if fmt.Sprint(card.calls) != fmt.Sprint(want) {
		t.Errorf("card calls %v, want %v", card.calls, want)
	}
	if len(eng.arms) != 2 {
		t.Fatalf("%d channels armed", len(eng.arms))
	}
	rx, tx := eng.arms[0], eng.arms[1]
	if rx.ch != dma.Ch0 || rx.t.Trigger != dma.TriggerRXC || rx.t.Count != 514 ||
		rx.t.Dst.Mode != dma.Increment || len(rx.t.Dst.Buf) != 514 {
		t.Errorf("receive channel %+v", rx)
	}
	if tx.ch != dma.Ch1 || tx.t.Trigger != dma.TriggerDRE || tx.t.Count != 514 ||
		tx.t.Src.Mode != dma.Fixed || tx.t.Src.Buf[0] != 0xFF {
		t.Errorf("transmit channel %+v", tx)
	}

	eng.status = dma.Ch0Busy | dma.Ch1Busy
	if d.ReadDone() {
		t.Error("ReadDone while engine busy")
	}
	eng.status = 0
	if !d.ReadDone() {
		t.Error("ReadDone false on idle engine")
	}
}

func TestReadSectorEngineFault(t *testing.T) {
	d, _, card, eng := newFakeDrive(t, Config{}, 5, 6, 7)
	eng.status = dma.Ch1Pend

	if err := d.ReadSector(0, 0); !errors.Is(err, ErrEngineFault) {
		t.Fatalf("ReadSector on busy engine: %v", err)
	}
	if eng.resets != 1 || len(eng.arms) != 0 || len(card.calls) != 0 {
		t.Errorf("resets %d arms %d calls %d", eng.resets, len(eng.arms), len(card.calls))
	}
	// the reset cleared the engine, so the retry goes through
	if err := d.ReadSector(0, 0); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestReadSectorProtocolFailure(t *testing.T) {
	tokenErr := &sdcard.TokenError{Token: 0x08}
	for _, strict := range []bool{false, true} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			d, _, card, eng := newFakeDrive(t, Config{Strict: strict}, 5, 6, 7)
			card.cmdErr = map[byte]error{sdcard.CmdSetBlockLen: &sdcard.R1Error{Cmd: 16, R1: 0x40}}
			card.dataErr = tokenErr

			err := d.ReadSector(0, 1)
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("error %v is not a protocol error", err)
			}
			if len(pe.Steps) != 2 || pe.Steps[0].Name != "set block length" || pe.Steps[1].Name != "data token" {
				t.Errorf("steps %+v", pe.Steps)
			}
			if !errors.Is(err, tokenErr) {
				t.Error("token error not reachable with errors.Is")
			}
			// all three steps are still issued
			if len(card.calls) != 2 {
				t.Errorf("card calls %v", card.calls)
			}
			if pe.Armed == strict {
				t.Errorf("Armed = %v", pe.Armed)
			}
			wantArms := 2
			if strict {
				wantArms = 0
			}
			if len(eng.arms) != wantArms {
				t.Errorf("%d channels armed, want %d", len(eng.arms), wantArms)
			}
		})
	}
}

func TestWriteSectorArms(t *testing.T) {
	d, _, card, eng := newFakeDrive(t, Config{}, 5, 6, 7)
	var pendingAtArm []bool
	eng.onArm = func() { pendingAtArm = append(pendingAtArm, d.Pending()) }

	var f Frame
	BuildFrame(&f)
	if err := d.WriteSector(&f, 0, 4); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if fmt.Sprint(card.calls) != fmt.Sprint([]cardCall{{sdcard.CmdWriteBlock, 0x10000 + 8192}}) {
		t.Errorf("card calls %v", card.calls)
	}
	if len(card.written) != 1 || card.written[0] != sdcard.StartBlockToken {
		t.Errorf("written %x", card.written)
	}
	if fmt.Sprint(pendingAtArm) != "[true true]" {
		t.Errorf("pending at arm %v", pendingAtArm)
	}
	rx, tx := eng.arms[0], eng.arms[1]
	if rx.ch != dma.Ch0 || rx.t.Trigger != dma.TriggerRXC || rx.t.Count != 515 ||
		rx.t.Dst.Mode != dma.Fixed || len(rx.t.Dst.Buf) != 1 {
		t.Errorf("receive channel %+v", rx)
	}
	if tx.ch != dma.Ch1 || tx.t.Trigger != dma.TriggerDRE || tx.t.Count != 515 ||
		tx.t.Src.Mode != dma.Increment || &tx.t.Src.Buf[0] != &f[0] {
		t.Errorf("transmit channel %+v", tx)
	}
}

func TestWriteSectorRejects(t *testing.T) {
	d, _, card, eng := newFakeDrive(t, Config{}, 5, 6, 7)
	var f Frame

	if err := d.WriteSector(&f, 35, 0); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("track 35: %v", err)
	}
	if err := d.WriteSector(&f, 0, 16); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("sector 16: %v", err)
	}
	if err := d.WriteSector(&f, 3, 0); !errors.Is(err, ErrUnmappedSector) {
		t.Errorf("unmapped: %v", err)
	}
	if len(card.calls) != 0 || d.Pending() {
		t.Errorf("calls %v pending %v", card.calls, d.Pending())
	}

	card.cmdErr = map[byte]error{sdcard.CmdWriteBlock: &sdcard.R1Error{Cmd: 24, R1: 0x20}}
	var pe *ProtocolError
	if err := d.WriteSector(&f, 0, 0); !errors.As(err, &pe) || pe.Steps[0].Name != "write block" {
		t.Errorf("command failure: %v", err)
	}
	if d.Pending() || len(eng.arms) != 0 || len(card.written) != 0 {
		t.Error("failed command still launched the write")
	}

	card.cmdErr = nil
	eng.status = dma.Ch0Busy
	if err := d.WriteSector(&f, 0, 0); !errors.Is(err, ErrEngineFault) || eng.resets != 1 {
		t.Errorf("busy engine: %v, resets %d", err, eng.resets)
	}
}

func TestPollWriteback(t *testing.T) {
	d, _, card, eng := newFakeDrive(t, Config{}, 5, 6, 7)

	if done, err := d.PollWriteback(); !done || err != nil {
		t.Fatalf("idle poll = %v, %v", done, err)
	}

	var f Frame
	if err := d.WriteSector(&f, 0, 0); err != nil {
		t.Fatal(err)
	}
	eng.status = dma.Ch0Busy | dma.Ch1Busy
	if done, err := d.PollWriteback(); done || err != nil {
		t.Errorf("poll while busy = %v, %v", done, err)
	}
	if card.waits != 0 {
		t.Error("poll drained the card while the engine was busy")
	}

	eng.status = 0
	card.readyErr = fmt.Errorf("busy drain: %w", ErrTimeout)
	if done, err := d.PollWriteback(); done || !errors.Is(err, ErrTimeout) {
		t.Errorf("poll on stuck card = %v, %v", done, err)
	}
	if !d.Pending() {
		t.Fatal("drain timeout cleared the pending write")
	}

	card.readyErr = nil
	d.scratch[0] = 0xE5 // 0b00101 in the low bits: accepted
	if done, err := d.PollWriteback(); !done || err != nil {
		t.Errorf("poll after drain = %v, %v", done, err)
	}
	if d.Pending() {
		t.Error("still pending")
	}
}

func TestPollWritebackRejected(t *testing.T) {
	d, _, _, _ := newFakeDrive(t, Config{}, 5, 6, 7)
	var f Frame
	if err := d.WriteSector(&f, 0, 2); err != nil {
		t.Fatal(err)
	}
	d.scratch[0] = 0x0B

	done, err := d.PollWriteback()
	var pe *ProtocolError
	if !done || !errors.As(err, &pe) {
		t.Fatalf("poll = %v, %v", done, err)
	}
	if pe.Op != "write" || pe.Sector != 2 || pe.Steps[0].Name != "data response" {
		t.Errorf("error %+v", pe)
	}
	if d.Pending() {
		t.Error("rejected write still pending")
	}
}

func TestWriteWaitsForPreviousTransfer(t *testing.T) {
	d, _, card, eng := newFakeDrive(t, Config{Timeout: 10 * time.Millisecond}, 5, 6, 7)
	var f Frame
	if err := d.WriteSector(&f, 0, 0); err != nil {
		t.Fatal(err)
	}
	eng.status = dma.Ch1Busy

	if err := d.WriteSector(&f, 0, 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("second write while streaming: %v", err)
	}
	if !d.Pending() || eng.resets != 0 || len(card.calls) != 1 {
		t.Errorf("pending %v resets %d calls %v", d.Pending(), eng.resets, card.calls)
	}
}

func TestWriteAfterRejectedWrite(t *testing.T) {
	d, _, card, _ := newFakeDrive(t, Config{}, 5, 6, 7)
	var f1, f2 Frame
	if err := d.WriteSector(&f1, 0, 0); err != nil {
		t.Fatal(err)
	}
	d.scratch[0] = 0x0B

	err := d.WriteSector(&f2, 0, 1)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Sector != 0 || pe.Steps[0].Name != "data response" {
		t.Fatalf("second write: %v", err)
	}
	if !d.Pending() {
		t.Fatal("second write not armed")
	}
	want := []cardCall{
		{sdcard.CmdWriteBlock, 0x10000 + 6144},
		{sdcard.CmdWriteBlock, 0x10000 + 6144 + 512},
	}
	if fmt.Sprint(card.calls) != fmt.Sprint(want) {
		t.Errorf("card calls %v", card.calls)
	}

	d.scratch[0] = 0xE5
	if done, err := d.PollWriteback(); !done || err != nil {
		t.Errorf("poll = %v, %v", done, err)
	}
}

func TestCardAddressRange(t *testing.T) {
	d, vol, card, eng := newFakeDrive(t, Config{}, 5, 6, 7)
	vol.data = 1<<32 - 8192

	if err := d.ReadSector(0, 4); !errors.Is(err, ErrAddressRange) {
		t.Errorf("read beyond 4G: %v", err)
	}
	var f Frame
	if err := d.WriteSector(&f, 0, 4); !errors.Is(err, ErrAddressRange) {
		t.Errorf("write beyond 4G: %v", err)
	}
	if len(card.calls) != 0 || len(eng.arms) != 0 || d.Pending() {
		t.Fatalf("calls %v arms %d pending %v", card.calls, len(eng.arms), d.Pending())
	}

	if err := d.ReadSector(0, 3); err != nil {
		t.Fatal(err)
	}
	if got := card.calls[1].arg; got != 1<<32-8192+6144+3*512 {
		t.Errorf("read address %#x", got)
	}
}
