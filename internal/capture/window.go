// Package capture buffers lifecycle events for one diagnostic capture window.
//
// A Window is created per unit of work (usually one HTTP request), handed to
// producers explicitly or through a context, and drained once by the
// aggregator when the work is over.
package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/kvscope/internal/domain"
)

// Window is an ordered, concurrency-safe event buffer for one capture window.
type Window struct {
	id        string
	name      string
	startedAt time.Time
	now       func() time.Time

	mu     sync.Mutex
	events []domain.Event
	closed bool
	ended  time.Time
}

// New opens a capture window. A nil clock defaults to time.Now.
func New(name string, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{
		id:        uuid.NewString(),
		name:      name,
		startedAt: now(),
		now:       now,
	}
}

// ID returns the window identifier.
func (w *Window) ID() string { return w.id }

// Name returns the label the window was opened with.
func (w *Window) Name() string { return w.name }

// StartedAt returns the wall-clock time the window was opened.
func (w *Window) StartedAt() time.Time { return w.startedAt }

// Publish appends an event. Events published after Close are dropped and
// Publish reports false.
func (w *Window) Publish(event domain.Event) bool {
	if w == nil || event == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.events = append(w.events, event)
	return true
}

// Events returns a snapshot of every event published so far, in publish order.
func (w *Window) Events() []domain.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Event, len(w.events))
	copy(out, w.events)
	return out
}

// Len reports the number of buffered events.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// Close stops accepting events and returns the time the window was open.
// Calling Close again returns the same elapsed time.
func (w *Window) Close() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.ended = w.now()
	}
	return w.ended.Sub(w.startedAt)
}

// Closed reports whether Close has been called.
func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
