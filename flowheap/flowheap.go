// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flowheap implements the capacity-bounded, expiry-ordered
// admission and eviction structure shared by a Rewriter's flow table
// (spec.md §4.3): two min-heaps, one for best-effort flows and one for
// guaranteed flows, honoring the invariant that guaranteed flows are
// never preempted by admission pressure.
package flowheap

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/natrw/core/flow"
)

// ErrCapacityExceeded is returned by Insert when the new flow is itself
// the one evicted to stay within capacity: either no best-effort flow is
// present, or the new flow is best-effort and expires soonest. A
// guaranteed flow already present is never evicted (spec.md §4.3's
// admission-control honoring rule).
var ErrCapacityExceeded = errors.New("flowheap: capacity exceeded, cannot evict a guaranteed flow")

const (
	bestEffort = 0
	guaranteed = 1
)

// A Heap holds the best-effort and guaranteed min-heaps for one shared
// flow table domain, plus an optional lock for the case where multiple
// Rewriters on different workers share one Heap (spec.md §5).
type Heap struct {
	mu sync.Locker // no-op by default; set via Shared for cross-worker sharing

	heaps    [2]ordHeap
	capacity int

	// BestEffortExpiry computes the expiry a guaranteed flow should
	// receive once shifted to the best-effort heap after its guarantee
	// window elapses: owner_expiry + nodata_timeout - guarantee,
	// per spec.md §4.3. The Rewriter that owns a Flow's timeout table
	// supplies this, mirroring the source's owner-callback indirection
	// (IPRewriterBase::best_effort_expiry).
	BestEffortExpiry func(*flow.Flow) time.Time
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// New returns a Heap bounded at capacity flows, unlocked (single-worker
// use). Call Shared to install a real lock for cross-worker sharing.
func New(capacity int, bestEffortExpiry func(*flow.Flow) time.Time) *Heap {
	return &Heap{
		mu:               noopLocker{},
		capacity:         capacity,
		BestEffortExpiry: bestEffortExpiry,
	}
}

// Shared installs l as the Heap's lock, for use when more than one
// Rewriter on different workers inserts into or reads from this Heap
// (spec.md §5: "a FlowHeap shared between Rewriters on different
// workers must be guarded by a lock").
func (h *Heap) Shared(l sync.Locker) { h.mu = l }

// Size returns the total number of flows currently held, across both
// heaps.
func (h *Heap) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.heaps[bestEffort]) + len(h.heaps[guaranteed])
}

// Capacity returns the current admission bound.
func (h *Heap) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity
}

// SetCapacity resizes the admission bound, immediately running a GC
// sweep (and, if still over, shrinking) to bring size back within the
// new limit.
func (h *Heap) SetCapacity(n int, now time.Time) {
	h.mu.Lock()
	h.capacity = n
	h.mu.Unlock()
	h.shrink(now, false)
}

func idx(guar bool) int {
	if guar {
		return guaranteed
	}
	return bestEffort
}

// Insert admits f, pushing it onto the guaranteed or best-effort heap
// per f.Guaranteed. If admitting f would exceed capacity, a GC sweep
// runs first; if still over capacity, the best-effort minimum (or, if
// none exists, f itself) is evicted (spec.md §4.3's admission-under-
// pressure rule). Returns ErrCapacityExceeded if f itself had to be
// evicted to stay within capacity.
func (h *Heap) Insert(f *flow.Flow, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	heap.Push(&h.heaps[idx(f.Guaranteed)], f)

	if h.size() <= h.capacity {
		return nil
	}

	h.shiftBestEffort(now)

	var dead *flow.Flow
	if len(h.heaps[bestEffort]) == 0 {
		dead = f
	} else {
		dead = h.heaps[bestEffort][0]
	}
	h.removeLocked(dead)

	if dead == f {
		return ErrCapacityExceeded
	}
	return nil
}

func (h *Heap) size() int {
	return len(h.heaps[bestEffort]) + len(h.heaps[guaranteed])
}

// Remove evicts f from whichever heap currently holds it. A no-op if f
// is not present (HeapIndex < 0).
func (h *Heap) Remove(f *flow.Flow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(f)
}

func (h *Heap) removeLocked(f *flow.Flow) {
	if f.HeapIndex < 0 {
		return
	}
	heap.Remove(&h.heaps[idx(f.Guaranteed)], f.HeapIndex)
}

// ChangeExpiry updates f's expiry and re-sifts it in place. If
// f.Guaranteed has changed since insertion, f is moved to the other
// heap first (spec.md §4.3).
func (h *Heap) ChangeExpiry(f *flow.Flow, newExpiry time.Time, guaranteedNow bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f.Guaranteed != guaranteedNow {
		h.removeLocked(f)
		f.Guaranteed = guaranteedNow
		f.Expiry = newExpiry
		heap.Push(&h.heaps[idx(guaranteedNow)], f)
		return
	}

	f.Expiry = newExpiry
	if f.HeapIndex >= 0 {
		heap.Fix(&h.heaps[idx(f.Guaranteed)], f.HeapIndex)
	}
}

// shiftBestEffort moves every guaranteed flow whose guarantee window
// has elapsed onto the best-effort heap, per spec.md §4.3. Must be
// called with h.mu held.
func (h *Heap) shiftBestEffort(now time.Time) {
	g := &h.heaps[guaranteed]
	for g.Len() > 0 && !(*g)[0].Expiry.After(now) {
		f := (*g)[0]
		newExpiry := now
		if h.BestEffortExpiry != nil {
			newExpiry = h.BestEffortExpiry(f)
		}
		heap.Remove(g, f.HeapIndex)
		f.Guaranteed = false
		f.Expiry = newExpiry
		heap.Push(&h.heaps[bestEffort], f)
	}
}

// GCSweep shifts elapsed guarantees to best-effort, then destroys every
// best-effort flow whose expiry has passed, returning the destroyed
// flows so the caller can remove their Mapping entries from the
// Rewriter's hash map(s) (spec.md §4.3).
func (h *Heap) GCSweep(now time.Time) []*flow.Flow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gcSweepLocked(now)
}

func (h *Heap) gcSweepLocked(now time.Time) []*flow.Flow {
	h.shiftBestEffort(now)

	var dead []*flow.Flow
	be := &h.heaps[bestEffort]
	for be.Len() > 0 && !(*be)[0].Expiry.After(now) {
		f := (*be)[0]
		heap.Remove(be, f.HeapIndex)
		dead = append(dead, f)
	}
	return dead
}

// shrink brings size within capacity, first via GCSweep and then, if
// still over, by evicting best-effort (or guaranteed, if none remain)
// flows from the heap top. clearAll forces every flow out, used by the
// "clear" control handler.
func (h *Heap) shrink(now time.Time, clearAll bool) []*flow.Flow {
	h.mu.Lock()
	defer h.mu.Unlock()

	dead := h.gcSweepLocked(now)

	limit := h.capacity
	if clearAll {
		limit = 0
	}
	for h.size() > limit {
		which := bestEffort
		if h.heaps[bestEffort].Len() == 0 {
			which = guaranteed
		}
		f := h.heaps[which][0]
		heap.Remove(&h.heaps[which], f.HeapIndex)
		dead = append(dead, f)
	}
	return dead
}

// Clear evicts every flow from both heaps, for the "clear" control
// handler.
func (h *Heap) Clear(now time.Time) []*flow.Flow {
	return h.shrink(now, true)
}
