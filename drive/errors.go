package drive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GLGPrograms/TinyDiskII/sdcard"
)

var (
	ErrUnmappedSector = errors.New("sector not mapped by the cluster chain")
	ErrInvalidAddress = errors.New("track or sector outside disk geometry")
	ErrAddressRange   = errors.New("block beyond the card's byte address range")
	ErrNotSelected    = errors.New("no disk image selected")
	ErrEngineFault    = errors.New("dma engine busy, reset")

	// ErrTimeout is returned when a bounded wait on the card or the
	// engine expires.
	ErrTimeout = sdcard.ErrTimeout
)

// TranslationError reports a failed lookup from a track/sector pair, or
// from a directory entry during selection, to a card offset.
type TranslationError struct {
	// Entry is the directory entry being selected, or -1.
	Entry  int
	Track  int
	Sector int
	Err    error
}

func (e *TranslationError) Error() string {
	if e.Entry >= 0 {
		return fmt.Sprintf("select entry %d: %v", e.Entry, e.Err)
	}
	return fmt.Sprintf("translate t:%d s:%d: %v", e.Track, e.Sector, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// Step is one card protocol step that did not complete as expected.
type Step struct {
	Name string
	Err  error
}

// ProtocolError collects every failed card step of one pipeline call.
type ProtocolError struct {
	Op     string
	Track  int
	Sector int
	Steps  []Step
	// Armed reports whether the transfer was launched regardless.
	Armed bool
}

func (e *ProtocolError) Error() string {
	parts := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		parts[i] = s.Name + ": " + s.Err.Error()
	}
	msg := fmt.Sprintf("%s t:%d s:%d: %s", e.Op, e.Track, e.Sector, strings.Join(parts, "; "))
	if e.Armed {
		msg += " (transfer armed)"
	}
	return msg
}

// Unwrap exposes the step errors to errors.Is and errors.As.
func (e *ProtocolError) Unwrap() []error {
	errs := make([]error, len(e.Steps))
	for i, s := range e.Steps {
		errs[i] = s.Err
	}
	return errs
}

func (e *ProtocolError) add(name string, err error) {
	if err != nil {
		e.Steps = append(e.Steps, Step{Name: name, Err: err})
	}
}

func (e *ProtocolError) failed() bool { return len(e.Steps) > 0 }
