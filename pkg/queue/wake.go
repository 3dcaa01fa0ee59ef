package queue

import (
	"context"
	"time"
)

// A Wake is a named wakeup channel.  Notifications between waits
// coalesce to one, so a flurry of events costs a single pass.
type Wake struct {
	ch chan struct{}
}

// NewWake returns a ready wake channel.
func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Notify wakes the waiter.  Never blocks.
func (w *Wake) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until notified, the timeout elapses, or the context is
// done.  Returns true if a notification was consumed.
func (w *Wake) Wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Chan exposes the underlying channel for select loops.
func (w *Wake) Chan() <-chan struct{} {
	return w.ch
}
