package trackmap

import (
	"fmt"
	"time"
)

// Probe returns the state of one sector.
type Probe func(track, sector int) State

// Scan probes every sector of m in track order and paints the result on
// u, which may be nil for a headless scan. The screen is redrawn after
// every sector and a status line tracks the totals. delay, if positive,
// paces the scan so it can be watched.
func Scan(u *UI, m *Map, probe Probe, delay time.Duration) error {
	for t := 0; t < m.Tracks; t++ {
		for s := 0; s < m.Sectors; s++ {
			if u != nil && u.IsStopped() {
				return ErrInterrupted
			}
			m.Set(t, s, probe(t, s))
			if u == nil {
				continue
			}
			u.SetStatus(Progress(m, t, s))
			u.Draw()
			if delay > 0 {
				if err := Wait(u, delay); err != nil {
					return err
				}
			}
		}
	}
	if u != nil {
		u.SetStatus(Progress(m, m.Tracks-1, m.Sectors-1), "done, press q to leave")
		u.Draw()
	}
	return nil
}

// Progress formats the totals of m after track and sector were probed.
func Progress(m *Map, track, sector int) string {
	return fmt.Sprintf("t:%02d s:%02d  ok %d  unmapped %d  protocol %d  fault %d  bad %d",
		track, sector, m.Count(OK), m.Count(Unmapped), m.Count(Protocol), m.Count(Fault), m.Count(Bad))
}

// Wait sleeps for d unless the user stops the UI first.
func Wait(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.stopChan:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
