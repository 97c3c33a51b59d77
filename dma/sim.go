package dma

import (
	"context"
	"sync"
)

// Port is the full-duplex serial peripheral behind the data register:
// clocking out one byte clocks one byte in.
type Port interface {
	Exchange(tx byte) (rx byte)
}

type channelState struct {
	t       Transfer
	enabled bool
	moved   int
}

func (c *channelState) remaining() int {
	if !c.enabled {
		return 0
	}
	return c.t.Count - c.moved
}

// Sim is a software Engine. Bytes move only when clocked, either by
// Step/Drain from the caller or by the Run pump goroutine.
type Sim struct {
	mu   sync.Mutex
	port Port
	ch   [NumChannels]channelState
	kick chan struct{}

	// Clocked counts bytes exchanged on the port since creation.
	clocked int
}

// NewSim returns an idle engine attached to port.
func NewSim(port Port) *Sim {
	return &Sim{
		port: port,
		kick: make(chan struct{}, 1),
	}
}

// Arm implements Engine.
func (s *Sim) Arm(ch Channel, t Transfer) error {
	if ch < 0 || ch >= NumChannels {
		return ErrBadChannel
	}
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.ch[ch] = channelState{t: t, enabled: true}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Status implements Engine.
func (s *Sim) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Sim) statusLocked() Status {
	var st Status
	for i := range s.ch {
		c := &s.ch[i]
		if c.remaining() == 0 {
			continue
		}
		if c.moved == 0 {
			st |= Ch0Pend << Status(i)
		} else {
			st |= Ch0Busy << Status(i)
		}
	}
	return st
}

// Reset implements Engine.
func (s *Sim) Reset() {
	s.mu.Lock()
	s.ch = [NumChannels]channelState{}
	s.mu.Unlock()
}

// Clocked returns the number of bytes exchanged on the port so far.
func (s *Sim) Clocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocked
}

// Step clocks a single byte. It reports false when no channel is
// feeding the transmitter, which is the only thing that drives the clock.
func (s *Sim) Step() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepLocked()
}

func (s *Sim) stepLocked() bool {
	tx := s.find(TriggerDRE)
	if tx == nil {
		return false
	}
	b := load(tx.t.Src, tx.moved)
	tx.moved++

	rx := s.port.Exchange(b)
	s.clocked++

	if c := s.find(TriggerRXC); c != nil {
		store(c.t.Dst, c.moved, rx)
		c.moved++
	}
	return true
}

func (s *Sim) find(tr Trigger) *channelState {
	for i := range s.ch {
		c := &s.ch[i]
		if c.t.Trigger == tr && c.remaining() > 0 {
			return c
		}
	}
	return nil
}

// Drain clocks until the transmitter runs dry and returns the number of
// bytes moved.
func (s *Sim) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for s.stepLocked() {
		n++
	}
	return n
}

// Run pumps armed transfers to completion in the background until ctx
// is done.
func (s *Sim) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		}
		s.Drain()
	}
}

func load(e Endpoint, i int) byte {
	if e.Mode == Increment {
		return e.Buf[i]
	}
	return e.Buf[0]
}

func store(e Endpoint, i int, b byte) {
	if e.Mode == Increment {
		e.Buf[i] = b
		return
	}
	e.Buf[0] = b
}
