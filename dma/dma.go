// Package dma models a two-channel streaming engine that moves bytes
// between memory and a full-duplex serial data register without the
// control thread's involvement.
package dma

import (
	"errors"
	"fmt"
)

// Channel selects one of the engine's two channels.
type Channel int

const (
	Ch0 Channel = iota
	Ch1

	NumChannels = 2
)

func (c Channel) String() string {
	return fmt.Sprintf("CH%d", int(c))
}

// Trigger is the peripheral event that advances a channel by one byte.
type Trigger int

const (
	TriggerNone Trigger = iota
	// TriggerRXC fires when the serial port completed receiving a byte.
	TriggerRXC
	// TriggerDRE fires when the serial transmit data register is empty.
	TriggerDRE
)

func (t Trigger) String() string {
	switch t {
	case TriggerRXC:
		return "RXC"
	case TriggerDRE:
		return "DRE"
	}
	return "none"
}

// AddrMode controls whether a memory address moves after each byte.
type AddrMode int

const (
	Fixed AddrMode = iota
	Increment
)

// Endpoint is one side of a transfer. A nil Buf addresses the serial
// data register.
type Endpoint struct {
	Buf  []byte
	Mode AddrMode
}

// Register returns the endpoint for the serial data register.
func Register() Endpoint { return Endpoint{} }

// Memory returns a memory endpoint over buf.
func Memory(buf []byte, mode AddrMode) Endpoint {
	return Endpoint{Buf: buf, Mode: mode}
}

// IsRegister reports whether e is the serial data register.
func (e Endpoint) IsRegister() bool { return e.Buf == nil }

// Transfer describes one channel program.
type Transfer struct {
	Src     Endpoint
	Dst     Endpoint
	Count   int
	Trigger Trigger
}

// Status mirrors the engine-wide status register.
type Status uint8

const (
	Ch0Pend Status = 1 << iota
	Ch1Pend
	Ch0Busy
	Ch1Busy
)

// Busy reports whether either channel is moving data.
func (s Status) Busy() bool { return s&(Ch0Busy|Ch1Busy) != 0 }

// Active reports whether either channel is busy or armed and waiting.
func (s Status) Active() bool { return s&(Ch0Pend|Ch1Pend|Ch0Busy|Ch1Busy) != 0 }

func (s Status) String() string {
	return fmt.Sprintf("%#02x", uint8(s))
}

var (
	ErrBadChannel  = errors.New("no such channel")
	ErrBadTransfer = errors.New("invalid transfer")
)

// Engine is the dual-channel streaming engine the pipelines program.
type Engine interface {
	// Arm resets channel ch, programs it with t and enables it.
	Arm(ch Channel, t Transfer) error
	// Status returns the pending/busy bits of both channels.
	Status() Status
	// Reset aborts and disables both channels.
	Reset()
}

// Validate checks that t can be executed by a register-coupled channel.
func (t Transfer) Validate() error {
	if t.Count <= 0 {
		return fmt.Errorf("count %d: %w", t.Count, ErrBadTransfer)
	}
	switch t.Trigger {
	case TriggerRXC:
		if !t.Src.IsRegister() || t.Dst.IsRegister() {
			return fmt.Errorf("RXC channel must read the data register into memory: %w", ErrBadTransfer)
		}
		return checkMemory(t.Dst, t.Count)
	case TriggerDRE:
		if t.Src.IsRegister() || !t.Dst.IsRegister() {
			return fmt.Errorf("DRE channel must write memory to the data register: %w", ErrBadTransfer)
		}
		return checkMemory(t.Src, t.Count)
	}
	return fmt.Errorf("trigger %v: %w", t.Trigger, ErrBadTransfer)
}

func checkMemory(e Endpoint, count int) error {
	need := 1
	if e.Mode == Increment {
		need = count
	}
	if len(e.Buf) < need {
		return fmt.Errorf("buffer of %d bytes, need %d: %w", len(e.Buf), need, ErrBadTransfer)
	}
	return nil
}
