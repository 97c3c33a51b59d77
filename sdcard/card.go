// Package sdcard speaks the SPI-mode block protocol of SD cards: command
// frames, R1 responses, data tokens and the busy signalling that follows
// a block write. Every wait is bounded by Config.Timeout.
package sdcard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/dsoprea/go-logging"
)

// Command indices used by this package.
const (
	CmdGoIdleState      byte = 0
	CmdSendIfCond       byte = 8
	CmdSetBlockLen      byte = 16
	CmdReadSingleBlock  byte = 17
	CmdWriteBlock       byte = 24
	CmdAppOpCond        byte = 41
	CmdAppCmd           byte = 55
	CmdReadOCR          byte = 58
	BlockSize                = 512
	StartBlockToken     byte = 0xFE
	DataAccepted        byte = 0x05
	dataResponseMask    byte = 0x1F
	r1Idle              byte = 0x01
	r1ErrorMask         byte = 0x7E
	defaultTimeout           = 250 * time.Millisecond
	defaultResponsePoll      = 8
)

var (
	ErrTimeout    = errors.New("timed out waiting for card")
	ErrNoResponse = errors.New("no command response")
)

// R1Error reports a command answered with error bits set.
type R1Error struct {
	Cmd byte
	R1  byte
}

func (e *R1Error) Error() string {
	return fmt.Sprintf("CMD%d: R1 %#02x", e.Cmd, e.R1)
}

// TokenError reports an unexpected byte where a data token was due.
type TokenError struct {
	Token byte
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("bad data token %#02x", e.Token)
}

// Bus clocks one byte out and one byte in.
type Bus interface {
	Exchange(tx byte) (rx byte)
}

// Config bounds the card's waits.
type Config struct {
	// Timeout bounds every poll loop (data token, busy drain, init).
	Timeout time.Duration
	// ResponsePolls is how many bytes to clock looking for an R1.
	ResponsePolls int
}

// Card drives a standard-capacity card on bus. Command arguments are byte
// addresses. It is not safe for concurrent use, and must not be used
// while a DMA transfer owns the bus.
type Card struct {
	bus Bus
	cfg Config
}

var sdLog = log.NewLogger("sdcard")

// New returns a Card on bus. Zero Config fields take defaults.
func New(bus Bus, cfg Config) *Card {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ResponsePolls <= 0 {
		cfg.ResponsePolls = defaultResponsePoll
	}
	return &Card{bus: bus, cfg: cfg}
}

// Timeout returns the configured wait bound.
func (c *Card) Timeout() time.Duration { return c.cfg.Timeout }

// Init brings the card from power-up to transfer state with 512-byte blocks.
func (c *Card) Init(ctx context.Context) error {
	for i := 0; i < 10; i++ {
		c.bus.Exchange(0xFF)
	}
	if _, err := c.Command(CmdGoIdleState, 0); err != nil {
		return fmt.Errorf("go idle: %w", err)
	}
	if _, err := c.Command(CmdSendIfCond, 0x1AA); err != nil {
		return fmt.Errorf("send if cond: %w", err)
	}
	// R7 trailer
	for i := 0; i < 4; i++ {
		c.bus.Exchange(0xFF)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		if _, err := c.Command(CmdAppCmd, 0); err != nil {
			return fmt.Errorf("app cmd: %w", err)
		}
		r1, err := c.Command(CmdAppOpCond, 1<<30)
		if err != nil {
			return fmt.Errorf("app op cond: %w", err)
		}
		if r1&r1Idle == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("card stayed idle: %w", ErrTimeout)
		}
	}

	if _, err := c.Command(CmdSetBlockLen, BlockSize); err != nil {
		return fmt.Errorf("set block length: %w", err)
	}
	sdLog.Debugf(ctx, "card initialized")
	return nil
}

// Command sends a command frame and returns its R1 response.
func (c *Card) Command(cmd byte, arg uint32) (byte, error) {
	frame := [6]byte{0x40 | cmd, byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg)}
	frame[5] = crc7(frame[:5])<<1 | 1
	for _, b := range frame {
		c.bus.Exchange(b)
	}
	for i := 0; i < c.cfg.ResponsePolls; i++ {
		r1 := c.bus.Exchange(0xFF)
		if r1&0x80 != 0 {
			continue
		}
		if r1&r1ErrorMask != 0 {
			return r1, &R1Error{Cmd: cmd, R1: r1}
		}
		return r1, nil
	}
	return 0xFF, fmt.Errorf("CMD%d: %w", cmd, ErrNoResponse)
}

// WaitForData clocks until the card leaves the 0xFF idle pattern and
// checks that it sent the start-of-block token.
func (c *Card) WaitForData() error {
	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		b := c.bus.Exchange(0xFF)
		if b != 0xFF {
			if b != StartBlockToken {
				return &TokenError{Token: b}
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("data token: %w", ErrTimeout)
		}
	}
}

// WaitReady clocks until the card releases the busy (0x00) signal and
// returns the first non-zero byte.
func (c *Card) WaitReady() (byte, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	for {
		b := c.bus.Exchange(0xFF)
		if b != 0x00 {
			return b, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("busy drain: %w", ErrTimeout)
		}
	}
}

// ReadByte clocks one byte in.
func (c *Card) ReadByte() (byte, error) {
	return c.bus.Exchange(0xFF), nil
}

// WriteByte clocks one byte out, discarding what comes back.
func (c *Card) WriteByte(b byte) error {
	c.bus.Exchange(b)
	return nil
}

// ReadAt reads len(p) bytes at byte offset off using single-block reads.
func (c *Card) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	var block [BlockSize + 2]byte
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		base := pos &^ (BlockSize - 1)
		if _, err := c.Command(CmdReadSingleBlock, uint32(base)); err != nil {
			return n, fmt.Errorf("read block at %#x: %w", base, err)
		}
		if err := c.WaitForData(); err != nil {
			return n, fmt.Errorf("read block at %#x: %w", base, err)
		}
		for i := range block {
			block[i] = c.bus.Exchange(0xFF)
		}
		n += copy(p[n:], block[pos-base:BlockSize])
	}
	return n, nil
}

var _ io.ReaderAt = (*Card)(nil)

// IsAccepted reports whether a data-response token accepts the block.
func IsAccepted(token byte) bool {
	return token&dataResponseMask == DataAccepted
}

func crc7(b []byte) byte {
	var crc byte
	for _, v := range b {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (v&0x80)^(crc&0x80) != 0 {
				crc ^= 0x09
			}
			v <<= 1
		}
	}
	return crc & 0x7F
}
