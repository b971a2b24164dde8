// Package schedule provides re-armable timers. Arming a Timer always stops
// the previously armed callback first, so timers never stack up.
package schedule

import (
	"sync"
	"time"
)

// Timer runs a callback once after a delay. The zero value is ready to use.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
	due   time.Time
}

// Arm cancels any pending callback and schedules fn after d.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.due = time.Now().Add(d)
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending callback, if any.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.armed = false
}

// Pending reports whether a callback is armed and when it is due.
func (t *Timer) Pending() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.due, t.armed
}

// Debouncer coalesces bursts of triggers into one call of fn after the
// burst has been quiet for the requested delay.
type Debouncer struct {
	timer Timer
	fn    func()
}

// NewDebouncer returns a Debouncer calling fn.
func NewDebouncer(fn func()) *Debouncer {
	return &Debouncer{fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger(delay time.Duration) {
	d.timer.Arm(delay, d.fn)
}

// Stop drops a pending call.
func (d *Debouncer) Stop() {
	d.timer.Cancel()
}
