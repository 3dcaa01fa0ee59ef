package queue

import (
	"context"
	"testing"
	"time"
)

func TestWakeCoalesce(t *testing.T) {
	w := NewWake()

	// Many notifications between waits collapse to one.
	for i := 0; i < 10; i++ {
		w.Notify()
	}

	ctx := context.Background()
	if !w.Wait(ctx, time.Second) {
		t.Fatal("first wait missed the pending notification")
	}
	if w.Wait(ctx, 10*time.Millisecond) {
		t.Fatal("second wait saw a notification that should have coalesced away")
	}
}

func TestWakeTimeout(t *testing.T) {
	w := NewWake()
	start := time.Now()
	if w.Wait(context.Background(), 20*time.Millisecond) {
		t.Fatal("wait returned notified with nothing pending")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("wait returned before the timeout")
	}
}

func TestWakeContextCancel(t *testing.T) {
	w := NewWake()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if w.Wait(ctx, time.Minute) {
		t.Fatal("cancelled wait reported a notification")
	}
}
