package ledger

import (
	"sync"
	"time"
)

// debounceTimer is the slice of *time.Timer the debouncer needs. Tests
// swap in a hand-fired timer.
type debounceTimer interface {
	Stop() bool
}

// Debouncer collapses bursts of Arm calls into one trailing-edge run of
// fn. Arm restarts the window; Flush runs a pending fn immediately;
// Cancel drops it. Safe for concurrent use.
type Debouncer struct {
	mu       sync.Mutex
	d        time.Duration
	fn       func()
	newTimer func(time.Duration, func()) debounceTimer
	timer    debounceTimer
	pending  bool
}

func NewDebouncer(d time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		d:  d,
		fn: fn,
		newTimer: func(d time.Duration, fire func()) debounceTimer {
			return time.AfterFunc(d, fire)
		},
	}
}

// Arm schedules fn to run after the debounce window, replacing any
// previously scheduled run.
func (b *Debouncer) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = true
	b.timer = b.newTimer(b.d, b.fire)
}

func (b *Debouncer) fire() {
	b.mu.Lock()
	if !b.pending {
		b.mu.Unlock()
		return
	}
	b.pending = false
	b.mu.Unlock()
	b.fn()
}

// Flush runs a pending fn now. No-op when nothing is armed.
func (b *Debouncer) Flush() {
	b.mu.Lock()
	if !b.pending {
		b.mu.Unlock()
		return
	}
	b.pending = false
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
	b.fn()
}

// Cancel drops any pending run without executing it.
func (b *Debouncer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = false
	if b.timer != nil {
		b.timer.Stop()
	}
}

// Pending reports whether a run is scheduled.
func (b *Debouncer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}
