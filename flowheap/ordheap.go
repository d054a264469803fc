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

package flowheap

import "github.com/natrw/core/flow"

// ordHeap adapts a slice of Flows to container/heap.Interface, ordered
// by ascending expiry, keeping each Flow's HeapIndex in sync for the
// O(log n) Fix/Remove calls spec.md §4.3 requires on expiry update.
type ordHeap []*flow.Flow

func (h ordHeap) Len() int { return len(h) }

func (h ordHeap) Less(i, j int) bool { return h[i].Expiry.Before(h[j].Expiry) }

func (h ordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].HeapIndex = i
	h[j].HeapIndex = j
}

func (h *ordHeap) Push(x any) {
	f := x.(*flow.Flow)
	f.HeapIndex = len(*h)
	*h = append(*h, f)
}

func (h *ordHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.HeapIndex = -1
	*h = old[:n-1]
	return f
}
