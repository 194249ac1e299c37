package timer

import (
	"testing"
	"time"
)

func newTestClock() *Fake {
	return NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestSlotFiresOnce(t *testing.T) {
	clock := newTestClock()
	s := NewSlot(clock, nil)

	calls := 0
	s.Schedule(2*time.Second, func() { calls++ })
	if !s.Pending() {
		t.Fatal("pending = false after Schedule")
	}

	clock.Advance(time.Second)
	if calls != 0 {
		t.Fatalf("calls = %d before deadline, want 0", calls)
	}

	clock.Advance(time.Second)
	if calls != 1 {
		t.Fatalf("calls = %d at deadline, want 1", calls)
	}
	if s.Pending() {
		t.Error("pending = true after firing")
	}

	clock.Advance(time.Minute)
	if calls != 1 {
		t.Errorf("calls = %d after extra time, want 1", calls)
	}
}

func TestSlotScheduleReplacesPending(t *testing.T) {
	clock := newTestClock()
	s := NewSlot(clock, nil)

	var fired []string
	s.Schedule(time.Second, func() { fired = append(fired, "first") })
	s.Schedule(3*time.Second, func() { fired = append(fired, "second") })

	clock.Advance(5 * time.Second)
	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("fired = %v, want [second]", fired)
	}
	if clock.Pending() != 0 {
		t.Errorf("clock pending = %d, want 0", clock.Pending())
	}
}

func TestSlotCancel(t *testing.T) {
	clock := newTestClock()
	s := NewSlot(clock, nil)

	if s.Cancel() {
		t.Error("Cancel on empty slot reported pending")
	}

	called := false
	s.Schedule(time.Second, func() { called = true })
	if !s.Cancel() {
		t.Error("Cancel reported nothing pending")
	}
	clock.Advance(time.Minute)
	if called {
		t.Error("cancelled callback ran")
	}
}

func TestSlotCancelAfterDispatchSuppressesStaleFire(t *testing.T) {
	clock := newTestClock()
	var queue []func()
	s := NewSlot(clock, func(fn func()) { queue = append(queue, fn) })

	called := false
	s.Schedule(time.Second, func() { called = true })
	clock.Advance(time.Second)
	if len(queue) != 1 {
		t.Fatalf("queued = %d, want 1", len(queue))
	}

	// Timer already fired into the queue; cancelling must still win.
	s.Cancel()
	queue[0]()
	if called {
		t.Error("callback ran after Cancel")
	}
}

func TestSlotRescheduleAfterDispatchRunsOnlyNewest(t *testing.T) {
	clock := newTestClock()
	var queue []func()
	s := NewSlot(clock, func(fn func()) { queue = append(queue, fn) })

	var fired []int
	s.Schedule(time.Second, func() { fired = append(fired, 1) })
	clock.Advance(time.Second)
	s.Schedule(time.Second, func() { fired = append(fired, 2) })
	clock.Advance(time.Second)

	for _, fn := range queue {
		fn()
	}
	if len(fired) != 1 || fired[0] != 2 {
		t.Errorf("fired = %v, want [2]", fired)
	}
}

func TestFakeAdvanceOrdersByDeadline(t *testing.T) {
	clock := newTestClock()
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestFakeTimerScheduledDuringAdvance(t *testing.T) {
	clock := newTestClock()
	fired := 0
	clock.AfterFunc(time.Second, func() {
		clock.AfterFunc(time.Second, func() { fired++ })
	})

	clock.Advance(3 * time.Second)
	if fired != 1 {
		t.Errorf("nested timer fired %d times, want 1", fired)
	}
}
