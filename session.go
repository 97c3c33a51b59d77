package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/GLGPrograms/TinyDiskII/dma"
	"github.com/GLGPrograms/TinyDiskII/drive"
	"github.com/GLGPrograms/TinyDiskII/fat16"
	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

// session is a card image or device wired up as the emulated hardware:
// the card model over the file, the file system on the card, a DMA
// engine pumping in the background and the drive on top.
type session struct {
	path     string
	f        *os.File
	size     int64
	writable bool

	sim  *sdcard.Sim
	card *sdcard.Card
	vol  *fat16.Volume
	eng  *dma.Sim
	drv  *drive.Drive

	timeout time.Duration
	cancel  context.CancelFunc
	done    chan error
	closed  bool
}

func openSession(ctx context.Context, path string, opts *options, writable bool) (*session, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	size, err := getDeviceSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &session{path: path, f: f, size: size, writable: writable, timeout: opts.timeout}
	s.sim = sdcard.NewSim(f, size)
	s.card = sdcard.New(s.sim, sdcard.Config{Timeout: opts.timeout})
	if err := s.card.Init(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: card init: %w", path, err)
	}
	if s.vol, err = fat16.Open(s.card); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s.eng = dma.NewSim(s.sim)
	engCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.eng.Run(engCtx) }()

	s.drv = drive.New(s.vol, s.card, s.eng, opts.driveConfig())
	return s, nil
}

// Close settles a pending write, stops the engine and releases the file.
// Later calls do nothing.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.drv.Pending() {
		errs = append(errs, s.flush())
	}
	s.cancel()
	<-s.done
	if s.writable {
		errs = append(errs, syncFile(s.f))
	}
	errs = append(errs, s.f.Close())
	return errors.Join(errs...)
}

// resolve turns a directory index or a file name into an entry index.
func (s *session) resolve(ref string) (int, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		return n, nil
	}
	l, err := s.vol.Find(ref)
	if err != nil {
		return 0, err
	}
	return l.Index, nil
}

func (s *session) selectRef(ref string) error {
	entry, err := s.resolve(ref)
	if err != nil {
		return err
	}
	return s.drv.SelectFile(entry)
}

// readBlock runs one read transfer and returns a copy of the block.
func (s *session) readBlock(track, sector int) ([]byte, error) {
	err := s.drv.ReadSector(track, sector)
	var pe *drive.ProtocolError
	if errors.As(err, &pe) && pe.Armed {
		// let the armed transfer finish so the bus is idle again
		if werr := s.drv.WaitRead(); werr != nil {
			return nil, errors.Join(err, werr)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := s.drv.WaitRead(); err != nil {
		return nil, err
	}
	return s.drv.Block(), nil
}

// writeFrame writes f to track and sector and waits for the card to
// accept it.
func (s *session) writeFrame(f *drive.Frame, track, sector int) error {
	err := s.drv.WriteSector(f, track, sector)
	if err != nil && !s.drv.Pending() {
		return err
	}
	return errors.Join(err, s.flush())
}

// flush polls the pending write until it is acknowledged.
func (s *session) flush() error {
	deadline := time.Now().Add(4 * s.timeout)
	for {
		done, err := s.drv.PollWriteback()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("write back: %w", drive.ErrTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}
}
