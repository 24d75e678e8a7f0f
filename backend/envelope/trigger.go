package envelope

import (
	"context"
	"sync"
)

// Trigger is the re-armable one-shot used to enforce per-edge ordering.
//
// Waiters block until the next Signal, which wakes all of them at once and
// re-arms the trigger for the next cycle. Cancel is sticky: it wakes every
// current waiter with a failure and makes all future waits fail
// immediately.
//
// Condition loops must snapshot the arm with Armed before evaluating
// their condition; a signal fired after the snapshot closes the
// snapshotted channel, so no wakeup is ever lost.
type Trigger struct {
	mu        sync.Mutex
	ch        chan struct{}
	cancelled bool
}

// NewTrigger returns an armed trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{})}
}

// Armed returns the current arm channel (closed by the next Signal or
// Cancel) and whether the trigger is already cancelled.
func (t *Trigger) Armed() (<-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch, t.cancelled
}

// Wait blocks until the next Signal, a Cancel, or ctx expiry. It reports
// true only for a Signal.
func (t *Trigger) Wait(ctx context.Context) bool {
	ch, cancelled := t.Armed()
	if cancelled {
		return false
	}
	select {
	case <-ch:
		_, cancelled := t.Armed()
		return !cancelled
	case <-ctx.Done():
		return false
	}
}

// Signal wakes every waiter and re-arms. A no-op once cancelled.
func (t *Trigger) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	close(t.ch)
	t.ch = make(chan struct{})
}

// Cancel wakes every waiter with a failure and poisons the trigger.
func (t *Trigger) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.ch)
}

// Cancelled reports whether the trigger has been poisoned.
func (t *Trigger) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
