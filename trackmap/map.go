package trackmap

import (
	"fmt"
	"strings"
)

// State is what a scan learned about one sector.
type State uint8

const (
	Unknown State = iota
	OK
	Unmapped
	Protocol
	Fault
	Bad
)

var glyphs = [...]rune{
	Unknown:  '·',
	OK:       '█',
	Unmapped: '░',
	Protocol: '?',
	Fault:    '!',
	Bad:      'x',
}

// Glyph returns the map character for s.
func (s State) Glyph() rune {
	if int(s) < len(glyphs) {
		return glyphs[s]
	}
	return ' '
}

func (s State) String() string {
	switch s {
	case OK:
		return "ok"
	case Unmapped:
		return "unmapped"
	case Protocol:
		return "protocol"
	case Fault:
		return "fault"
	case Bad:
		return "bad frame"
	}
	return "unknown"
}

// Map holds one State per track and sector.
type Map struct {
	Tracks  int
	Sectors int
	cells   []State
}

// NewMap returns a map with every sector Unknown.
func NewMap(tracks, sectors int) *Map {
	return &Map{Tracks: tracks, Sectors: sectors, cells: make([]State, tracks*sectors)}
}

// Set records st for track and sector. Out of range pairs are ignored.
func (m *Map) Set(track, sector int, st State) {
	if track < 0 || track >= m.Tracks || sector < 0 || sector >= m.Sectors {
		return
	}
	m.cells[track*m.Sectors+sector] = st
}

// At returns the state of track and sector.
func (m *Map) At(track, sector int) State {
	if track < 0 || track >= m.Tracks || sector < 0 || sector >= m.Sectors {
		return Unknown
	}
	return m.cells[track*m.Sectors+sector]
}

// Count returns how many sectors are in state st.
func (m *Map) Count(st State) int {
	n := 0
	for _, c := range m.cells {
		if c == st {
			n++
		}
	}
	return n
}

// Lines renders the map as a sector header followed by one row per track.
func (m *Map) Lines() []string {
	lines := make([]string, 0, m.Tracks+1)
	var hdr strings.Builder
	hdr.WriteString("    ")
	for s := 0; s < m.Sectors; s++ {
		fmt.Fprintf(&hdr, "%X", s%16)
	}
	lines = append(lines, hdr.String())

	for t := 0; t < m.Tracks; t++ {
		var b strings.Builder
		fmt.Fprintf(&b, "T%02d ", t)
		for s := 0; s < m.Sectors; s++ {
			b.WriteRune(m.At(t, s).Glyph())
		}
		lines = append(lines, b.String())
	}
	return lines
}

// Legend describes the glyphs used by Lines.
func Legend() []string {
	var b strings.Builder
	for st := OK; st <= Bad; st++ {
		if st > OK {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "%c %s", st.Glyph(), st)
	}
	return []string{"Legend: " + b.String()}
}
