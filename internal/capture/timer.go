package capture

import "time"

// Timer marks the start of one timed call within a window.
type Timer struct {
	StartedAt time.Time
	Offset    time.Duration
}

// Timing is the result of stopping a Timer.
type Timing struct {
	StartedAt time.Time
	Offset    time.Duration
	Duration  time.Duration
}

// Start begins timing a call. Offset is measured from the window start.
func (w *Window) Start() Timer {
	now := w.now()
	return Timer{StartedAt: now, Offset: now.Sub(w.startedAt)}
}

// Stop ends timing a call started with Start.
func (w *Window) Stop(t Timer) Timing {
	return Timing{
		StartedAt: t.StartedAt,
		Offset:    t.Offset,
		Duration:  w.now().Sub(t.StartedAt),
	}
}
