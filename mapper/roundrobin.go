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
	"sync"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/pattern"
)

// RoundRobin tries its configured Patterns in round-robin order,
// starting just after the last successful index, and returns the first that
// yields AddMap (spec.md §4.5's RoundRobinIPMapper).
type RoundRobin struct {
	mu       sync.Mutex
	patterns []*pattern.Pattern
	last     int
}

// NewRoundRobin builds a RoundRobin mapper over patterns, in the order
// given.
func NewRoundRobin(patterns []*pattern.Pattern) *RoundRobin {
	return &RoundRobin{patterns: patterns}
}

// RewriteFlowID tries each configured Pattern starting just after the
// last one that succeeded, wrapping around the list once, and advances
// the stored index past whichever Pattern is chosen.
func (r *RoundRobin) RewriteFlowID(in flowid.ID, probe pattern.ReverseProbe) (flowid.ID, pattern.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.patterns)
	if n == 0 {
		return flowid.ID{}, pattern.Drop
	}

	for i := 0; i < n; i++ {
		idx := (r.last + i) % n
		out, decision := r.patterns[idx].RewriteFlowID(in, probe)
		if decision == pattern.AddMap {
			r.last = (idx + 1) % n
			return out, decision
		}
	}
	return flowid.ID{}, pattern.Drop
}
