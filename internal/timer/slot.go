package timer

import (
	"sync"
	"time"
)

// Slot holds at most one pending callback. Scheduling a new callback cancels
// the pending one, and a cancelled callback never runs even if its timer had
// already fired and was waiting in the dispatcher.
type Slot struct {
	clock    Clock
	dispatch func(func())

	mu    sync.Mutex
	timer Timer
	gen   uint64
	armed bool
}

// NewSlot creates a Slot. When dispatch is non-nil, fired callbacks are handed
// to it (typically an event loop) and re-checked for cancellation right before
// they run; otherwise they run on the timer goroutine.
func NewSlot(clock Clock, dispatch func(func())) *Slot {
	return &Slot{clock: clock, dispatch: dispatch}
}

// Schedule arms f to run after d, replacing any pending callback.
func (s *Slot) Schedule(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.armed = true

	s.timer = s.clock.AfterFunc(d, func() {
		run := func() {
			if s.claim(gen) {
				f()
			}
		}
		if s.dispatch != nil {
			s.dispatch(run)
			return
		}
		run()
	})
}

// Cancel drops the pending callback, if any. It reports whether one was pending.
func (s *Slot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasArmed := s.armed
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.armed = false
	return wasArmed
}

// Pending reports whether a callback is scheduled and has not yet run.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// claim marks generation gen as consumed. It fails when the callback was
// cancelled or superseded after its timer fired.
func (s *Slot) claim(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.armed {
		return false
	}
	s.armed = false
	s.timer = nil
	return true
}
