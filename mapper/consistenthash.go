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

package mapper

import (
	"math/rand"
	"net/netip"
	"sort"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/pattern"
)

// ConsistentHash maps a packet's source address to one of several
// backend Patterns using consistent hashing (spec.md §4.5's
// SourceIPHashMapper): each backend is assigned numNodes virtual
// points on a 31-bit ring, seeded deterministically, so that adding or
// removing a backend only remaps the fraction of source addresses
// whose nearest point moved.
type ConsistentHash struct {
	backends []*pattern.Pattern
	ring     []ringNode
}

type ringNode struct {
	key     uint32
	backend int
}

// NewConsistentHash builds the hash ring for backends, giving each
// numNodes virtual points drawn from a PRNG seeded with seed -- the Go
// equivalent of the source's seeded click_random node generation, just
// without the source's specific binary-tree storage layout (spec.md §9:
// "implement as a trait/interface," no particular data structure is
// mandated).
func NewConsistentHash(backends []*pattern.Pattern, numNodes int, seed int64) *ConsistentHash {
	rng := rand.New(rand.NewSource(seed))

	ring := make([]ringNode, 0, len(backends)*numNodes)
	for b := range backends {
		for n := 0; n < numNodes; n++ {
			ring = append(ring, ringNode{key: rng.Uint32() & 0x7fffffff, backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].key < ring[j].key })

	return &ConsistentHash{backends: backends, ring: ring}
}

// hashSource mixes a source address's low byte into its high bits so
// that numerically adjacent source addresses land on different
// backends (spec.md §4.5, matching the source's own comment on this
// step), then masks to a 31-bit key.
func hashSource(a netip.Addr) uint32 {
	b := a.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	low := v & 0xff
	v *= (low << 24) | 1
	return v & 0x7fffffff
}

// search returns the index into the ring of the first node whose key
// is >= k, wrapping around to 0 if none is.
func (c *ConsistentHash) search(k uint32) int {
	i := sort.Search(len(c.ring), func(i int) bool { return c.ring[i].key >= k })
	if i == len(c.ring) {
		return 0
	}
	return i
}

// RewriteFlowID hashes in.SAddr to a backend Pattern and delegates the
// allocation to it.
func (c *ConsistentHash) RewriteFlowID(in flowid.ID, probe pattern.ReverseProbe) (flowid.ID, pattern.Decision) {
	if len(c.ring) == 0 {
		return flowid.ID{}, pattern.Drop
	}
	node := c.ring[c.search(hashSource(in.SAddr))]
	return c.backends[node.backend].RewriteFlowID(in, probe)
}
