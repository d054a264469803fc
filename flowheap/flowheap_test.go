package flowheap

import (
	"testing"
	"time"

	"github.com/natrw/core/flow"
)

func mustFlow(expiry time.Time, guaranteed bool) *flow.Flow {
	return &flow.Flow{Expiry: expiry, Guaranteed: guaranteed, HeapIndex: -1}
}

func TestInsertEvictsOldestBestEffortOverCapacity(t *testing.T) {
	h := New(2, nil)
	now := time.Unix(1000, 0)

	a := mustFlow(now.Add(10*time.Second), false)
	b := mustFlow(now.Add(20*time.Second), false)
	c := mustFlow(now.Add(30*time.Second), false)

	if err := h.Insert(a, now); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert(b, now); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert(c, now); err != nil {
		t.Fatal(err)
	}

	if h.Size() != 2 {
		t.Fatalf("size = %d, want 2", h.Size())
	}
	if a.HeapIndex != -1 {
		t.Fatal("oldest-expiring flow should have been evicted")
	}
}

func TestGuaranteedNeverEvictedByPressure(t *testing.T) {
	h := New(1, nil)
	now := time.Unix(1000, 0)

	g := mustFlow(now.Add(time.Hour), true)
	if err := h.Insert(g, now); err != nil {
		t.Fatal(err)
	}

	newcomer := mustFlow(now.Add(10*time.Second), false)
	if err := h.Insert(newcomer, now); err == nil {
		t.Fatal("expected ErrCapacityExceeded: only a guaranteed flow occupies the heap")
	}
	if newcomer.HeapIndex != -1 {
		t.Fatal("newcomer should have been the one evicted, not the guaranteed flow")
	}
	if g.HeapIndex < 0 {
		t.Fatal("guaranteed flow must never be evicted by admission pressure")
	}
}

func TestGCSweepRemovesExpiredBestEffort(t *testing.T) {
	h := New(10, nil)
	t0 := time.Unix(1000, 0)

	f := mustFlow(t0.Add(5*time.Second), false)
	if err := h.Insert(f, t0); err != nil {
		t.Fatal(err)
	}

	dead := h.GCSweep(t0.Add(4 * time.Second))
	if len(dead) != 0 {
		t.Fatalf("flow should not be expired yet, got %d dead", len(dead))
	}

	dead = h.GCSweep(t0.Add(6 * time.Second))
	if len(dead) != 1 || dead[0] != f {
		t.Fatalf("expected flow to be swept, got %v", dead)
	}
}

func TestShiftBestEffortOnGuaranteeExpiry(t *testing.T) {
	shifted := false
	h := New(10, func(f *flow.Flow) time.Time {
		shifted = true
		return f.Expiry.Add(time.Minute)
	})
	t0 := time.Unix(1000, 0)

	g := mustFlow(t0.Add(time.Second), true)
	if err := h.Insert(g, t0); err != nil {
		t.Fatal(err)
	}

	h.GCSweep(t0.Add(2 * time.Second))

	if !shifted {
		t.Fatal("expected BestEffortExpiry callback to run once guarantee elapsed")
	}
	if g.Guaranteed {
		t.Fatal("flow should have moved to best-effort")
	}
}
