// Package ratelimit provides the sliding-window limiter shared by admission control
// and the realtime gateway.
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultLimit  = 120
	defaultWindow = 10 * time.Second
)

// Window is a sliding-window limiter over event timestamps.
type Window struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
	last   time.Time
}

// NewWindow constructs a Window with safe defaults when inputs are invalid.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Window{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted and records it if so.
func (w *Window) Allow(now time.Time) bool {
	ok, _ := w.Reserve(now)
	return ok
}

// Reserve is Allow that also returns how long the caller must wait before the oldest
// event in the window expires. retryAfter is zero when the event is permitted.
func (w *Window) Reserve(now time.Time) (ok bool, retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.last = now
	w.pruneLocked(now)

	if len(w.events) >= w.limit {
		return false, w.events[0].Add(w.window).Sub(now)
	}
	w.events = append(w.events, now)
	return true, 0
}

// Len returns the number of events currently inside the window.
func (w *Window) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.events)
}

// LastSeen returns the time of the last Allow/Reserve call.
func (w *Window) LastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Window) pruneLocked(now time.Time) {
	cut := now.Add(-w.window)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = dst
}
