package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerRearmCancelsPrevious(t *testing.T) {
	var first, second atomic.Int32
	var tm Timer
	tm.Arm(20*time.Millisecond, func() { first.Add(1) })
	tm.Arm(40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(120 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("first callback should have been cancelled")
	}
	if second.Load() != 1 {
		t.Fatalf("expected second callback once, got %d", second.Load())
	}
	if _, armed := tm.Pending(); armed {
		t.Fatalf("timer should be idle after firing")
	}
}

func TestTimerCancel(t *testing.T) {
	var fired atomic.Int32
	var tm Timer
	tm.Arm(20*time.Millisecond, func() { fired.Add(1) })
	if _, armed := tm.Pending(); !armed {
		t.Fatalf("expected armed timer")
	}
	tm.Cancel()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(func() { calls.Add(1) })
	for i := 0; i < 10; i++ {
		d.Trigger(30 * time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(120 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
	d.Trigger(10 * time.Millisecond)
	d.Stop()
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("stopped debouncer fired")
	}
}
