package sdcard

import (
	"context"
	"io"
	"sync"
)

type simState int

const (
	stIdle simState = iota
	stCommand
	stWaitToken
	stWriteData
)

// Backing is the storage behind a simulated card.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Trace records one command frame received by a Sim.
type Trace struct {
	Cmd byte
	Arg uint32
	// Busy is the number of busy bytes the card still owed when the
	// frame started. A non-zero value means the frame was ignored.
	Busy int
}

// Sim is an SD card in SPI mode with byte addressing, backed by an
// image. It implements Bus and can be handed to dma.NewSim as its port.
type Sim struct {
	mu   sync.Mutex
	img  Backing
	size int64

	state    simState
	cmd      byte
	arg      uint32
	argBytes int
	appCmd   bool
	idle     bool
	blockLen int

	out  []byte
	busy int

	wbuf  []byte
	wpos  int
	waddr int64

	trace []Trace

	// ReadLatency is the number of 0xFF bytes before a read data token.
	ReadLatency int
	// BusyBytes is the number of 0x00 bytes signalled after a block write.
	BusyBytes int
	// RejectWrites makes the card answer blocks with a CRC error token.
	RejectWrites bool
}

// NewSim returns a powered-up card over img of size bytes.
func NewSim(img Backing, size int64) *Sim {
	return &Sim{
		img:         img,
		size:        size,
		idle:        true,
		blockLen:    BlockSize,
		ReadLatency: 1,
		BusyBytes:   3,
	}
}

// Exchange implements Bus.
func (s *Sim) Exchange(tx byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	rx := byte(0xFF)
	switch {
	case len(s.out) > 0:
		rx = s.out[0]
		s.out = s.out[1:]
	case s.busy > 0:
		rx = 0x00
		s.busy--
	}
	s.consume(tx)
	return rx
}

// Trace returns the command frames received so far.
func (s *Sim) Trace() []Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trace(nil), s.trace...)
}

// Busy reports how many busy bytes the card still owes.
func (s *Sim) Busy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Sim) consume(tx byte) {
	switch s.state {
	case stIdle:
		if tx&0xC0 != 0x40 {
			return
		}
		s.trace = append(s.trace, Trace{Cmd: tx & 0x3F, Busy: s.busy})
		if s.busy > 0 {
			return
		}
		s.state = stCommand
		s.cmd = tx & 0x3F
		s.arg = 0
		s.argBytes = 0
	case stCommand:
		if s.argBytes < 4 {
			s.arg = s.arg<<8 | uint32(tx)
			s.argBytes++
			return
		}
		// CRC byte closes the frame
		s.trace[len(s.trace)-1].Arg = s.arg
		s.state = stIdle
		s.execute()
	case stWaitToken:
		if tx == StartBlockToken {
			s.wbuf = make([]byte, s.blockLen)
			s.wpos = 0
			s.state = stWriteData
		}
	case stWriteData:
		if s.wpos < len(s.wbuf) {
			s.wbuf[s.wpos] = tx
		}
		s.wpos++
		if s.wpos < len(s.wbuf)+2 {
			return
		}
		s.state = stIdle
		if s.RejectWrites {
			s.out = append(s.out, 0x0B)
			return
		}
		if _, err := s.img.WriteAt(s.wbuf, s.waddr); err != nil {
			sdLog.Errorf(context.Background(), err, "sim write at %#x", s.waddr)
			s.out = append(s.out, 0x0D)
			return
		}
		s.out = append(s.out, DataAccepted)
		s.busy = s.BusyBytes
	}
}

func (s *Sim) r1() byte {
	if s.idle {
		return r1Idle
	}
	return 0x00
}

func (s *Sim) respond(b ...byte) {
	s.out = append(s.out[:0], 0xFF)
	s.out = append(s.out, b...)
}

func (s *Sim) inRange(addr uint32) bool {
	return int64(addr)+int64(s.blockLen) <= s.size
}

func (s *Sim) execute() {
	app := s.appCmd
	s.appCmd = false

	switch s.cmd {
	case CmdGoIdleState:
		s.idle = true
		s.respond(r1Idle)
	case CmdSendIfCond:
		s.respond(s.r1(), 0x00, 0x00, 0x01, byte(s.arg))
	case CmdAppCmd:
		s.appCmd = true
		s.respond(s.r1())
	case CmdAppOpCond:
		if !app {
			s.respond(s.r1() | 0x04)
			return
		}
		s.idle = false
		s.respond(s.r1())
	case CmdReadOCR:
		s.respond(s.r1(), 0x80, 0xFF, 0x80, 0x00)
	case CmdSetBlockLen:
		if s.arg == 0 || s.arg > BlockSize {
			s.respond(s.r1() | 0x40)
			return
		}
		s.blockLen = int(s.arg)
		s.respond(s.r1())
	case CmdReadSingleBlock:
		if !s.inRange(s.arg) {
			s.respond(s.r1() | 0x20)
			return
		}
		buf := make([]byte, s.blockLen)
		if _, err := s.img.ReadAt(buf, int64(s.arg)); err != nil && err != io.EOF {
			sdLog.Errorf(context.Background(), err, "sim read at %#x", s.arg)
			s.respond(s.r1(), 0xFF, 0x01)
			return
		}
		s.respond(s.r1())
		for i := 0; i < s.ReadLatency; i++ {
			s.out = append(s.out, 0xFF)
		}
		s.out = append(s.out, StartBlockToken)
		s.out = append(s.out, buf...)
		s.out = append(s.out, 0x00, 0x00)
	case CmdWriteBlock:
		if !s.inRange(s.arg) {
			s.respond(s.r1() | 0x20)
			return
		}
		s.waddr = int64(s.arg)
		s.state = stWaitToken
		s.respond(s.r1())
	default:
		s.respond(s.r1() | 0x04)
	}
}
