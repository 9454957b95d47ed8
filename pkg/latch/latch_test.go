package latch

import "testing"

// Invariant: repeated Set calls before a receive coalesce into one signal.
func TestLatch_Coalesces(t *testing.T) {
	l := New()
	l.Set()
	l.Set()
	l.Set()

	select {
	case <-l.C():
	default:
		t.Fatal("expected latch to be set")
	}

	select {
	case <-l.C():
		t.Fatal("expected only one signal to have been queued")
	default:
	}
}

// Invariant: Clear is a no-op on an already-clear latch.
func TestLatch_ClearIdempotent(t *testing.T) {
	l := New()
	l.Clear()
	l.Clear()
}
