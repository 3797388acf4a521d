package sak

import (
	"sync"
	"time"
)

// GenerationTimer is a cancelable one-shot timer keyed by a generation
// counter, used to implement the graceful-revoke grace window (spec.md
// §4.1.3/§9). A new Schedule call invalidates any previously scheduled
// firing even if that firing has already entered its callback: the
// generation check happens under the same lock Cancel/Schedule use, so a
// firing that loses the race to a concurrent Cancel/Schedule is guaranteed
// to observe the bump and become a no-op — "cancellation must be race-free
// with firing" (spec.md §9).
type GenerationTimer struct {
	mu         sync.Mutex
	generation uint64
	timer      *time.Timer
}

// Schedule cancels any pending firing and arranges for f to run after d,
// unless superseded by another Schedule or Cancel call first.
func (t *GenerationTimer) Schedule(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	gen := t.generation
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.generation
		if current == gen {
			t.timer = nil
		}
		t.mu.Unlock()
		if current != gen {
			return
		}
		f()
	})
}

// Cancel invalidates any pending firing. Safe to call even if nothing is
// scheduled.
func (t *GenerationTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether a firing is currently scheduled and has not yet
// been superseded.
func (t *GenerationTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
