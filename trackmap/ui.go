// Package trackmap draws a live track by sector map of an emulated disk
// in the terminal while the disk is being scanned.
package trackmap

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// ErrInterrupted is returned when the user asks to stop the scan.
var ErrInterrupted = errors.New("interrupted")

var styles = map[State]tcell.Style{
	Unknown:  tcell.StyleDefault.Foreground(tcell.ColorGray),
	OK:       tcell.StyleDefault.Foreground(tcell.ColorGreen),
	Unmapped: tcell.StyleDefault.Foreground(tcell.ColorGray),
	Protocol: tcell.StyleDefault.Foreground(tcell.ColorYellow),
	Fault:    tcell.StyleDefault.Foreground(tcell.ColorRed),
	Bad:      tcell.StyleDefault.Foreground(tcell.ColorFuchsia),
}

// UI is a full-screen view of a Map with a title, summary lines and a
// status block. q, Esc or Ctrl-C request a stop.
type UI struct {
	s        tcell.Screen
	restore  bool
	stopChan chan struct{}
	once     sync.Once

	title        string
	summaryLines []string
	statusLines  []string
	m            *Map
}

// NewUI takes over the terminal.
func NewUI() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	u, err := NewUIOn(s)
	if err != nil {
		return nil, err
	}
	u.restore = true
	return u, nil
}

// NewUIOn initializes s and draws on it.
func NewUIOn(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	u := &UI{
		s:        s,
		stopChan: make(chan struct{}),
	}
	go u.eventLoop()
	return u, nil
}

// Close gives the terminal back.
func (u *UI) Close() {
	if u.s == nil {
		return
	}
	u.RequestStop()
	u.s.Fini()
	u.s = nil
	if u.restore {
		fmt.Print("\033[?1049l\033[?25h")
	}
}

// RequestStop marks the UI stopped. It may be called more than once.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
		u.s.PostEvent(tcell.NewEventInterrupt(nil))
	})
}

// IsStopped reports whether a stop was requested.
func (u *UI) IsStopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

// Stopped is closed once a stop is requested.
func (u *UI) Stopped() <-chan struct{} { return u.stopChan }

func (u *UI) SetTitle(t string)          { u.title = t }
func (u *UI) SetMap(m *Map)              { u.m = m }
func (u *UI) SetSummary(lines ...string) { u.summaryLines = append([]string(nil), lines...) }
func (u *UI) SetStatus(lines ...string)  { u.statusLines = append([]string(nil), lines...) }

func putStr(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		if x+i >= w {
			break
		}
		s.SetContent(x+i, y, r, nil, style)
	}
}

func rule(s tcell.Screen, y int, label string) {
	w, _ := s.Size()
	putStr(s, 0, y, strings.Repeat("─", w), tcell.StyleDefault)
	if label != "" {
		putStr(s, 2, y, " "+label+" ", tcell.StyleDefault)
	}
}

// Draw repaints the whole screen.
func (u *UI) Draw() {
	if u.s == nil {
		return
	}
	u.s.Clear()
	w, h := u.s.Size()
	y := 0

	if u.title != "" {
		putStr(u.s, 0, y, strings.Repeat("═", w), tcell.StyleDefault)
		putStr(u.s, (w-len([]rune(u.title)))/2, y, u.title, tcell.StyleDefault.Bold(true))
		y++
	}
	for _, line := range u.summaryLines {
		if y >= h {
			break
		}
		putStr(u.s, 0, y, line, tcell.StyleDefault)
		y++
	}

	if u.m != nil && y < h {
		for _, line := range Legend() {
			putStr(u.s, 0, y, line, tcell.StyleDefault)
			y++
		}
		y = u.drawMap(y, h)
	}

	if len(u.statusLines) > 0 && y < h {
		rule(u.s, y, "Status")
		y++
		for _, line := range u.statusLines {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line, tcell.StyleDefault)
			y++
		}
	}
	u.s.Show()
}

func (u *UI) drawMap(y, h int) int {
	lines := u.m.Lines()
	if y < h {
		putStr(u.s, 0, y, lines[0], tcell.StyleDefault)
		y++
	}
	for t := 0; t < u.m.Tracks && y < h; t++ {
		putStr(u.s, 0, y, fmt.Sprintf("T%02d ", t), tcell.StyleDefault)
		for s := 0; s < u.m.Sectors; s++ {
			st := u.m.At(t, s)
			u.s.SetContent(4+s, y, st.Glyph(), nil, styles[st])
		}
		y++
	}
	return y
}

func (u *UI) eventLoop() {
	s := u.s
	for {
		ev := s.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case *tcell.EventInterrupt, nil:
			return
		}
	}
}
