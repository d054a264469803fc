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

package mapping

import (
	"errors"
	"sync"
)

// ErrNonMonotoneTrigger is returned by SeqState.UpdateDelta when the
// caller attempts to add a transition whose trigger is older (in
// circular sequence-number terms) than the most recent transition
// already recorded for that direction, violating spec.md §4.2's
// monotonicity invariant.
var ErrNonMonotoneTrigger = errors.New("mapping: sequence-delta trigger is not monotonically increasing")

// Forward and Reverse name the two directions a SeqState tracks.
const (
	Forward = false
	Reverse = true
)

// transition is one delta-transition record (spec.md §4.2 and §9):
// "from sequence number trigger[dir] onward, add delta[dir] to
// sequence numbers traveling in direction dir." Unlike the original
// Click implementation's hand-rolled linked list, this is a plain
// struct held in a slice (spec.md §9 design note). Transitions are
// dropped only by Prune, once both directions' triggers fall more than
// 2^30 behind the reference points it is given; Mapping.Apply does not
// call Prune, so the slice gains one entry per UpdateDelta call.
type transition struct {
	trigger    [2]uint32
	hasTrigger [2]bool
	delta      [2]int32
}

// A SeqState tracks the TCP sequence/acknowledgement-number delta
// transitions for one Flow, shared between its forward and reverse
// Mappings (spec.md §3: "For TCP only: a linked list of delta
// transitions").
type SeqState struct {
	mu          sync.Mutex
	transitions []transition
}

func dirIndex(direction bool) int {
	if direction {
		return 1
	}
	return 0
}

// seqGEQ reports whether a is greater than or equal to b in circular
// 32-bit sequence-number arithmetic.
func seqGEQ(a, b uint32) bool {
	return int32(a-b) >= 0
}

// UpdateDelta records that, from sequence number trigger onward, delta
// more bytes should be added to packets traveling in direction. This is
// the entry point FTPHelper uses to keep the control connection's
// sequence numbers consistent after rewriting a PORT command payload
// (spec.md §4.2, §4.6 step 6).
func (s *SeqState) UpdateDelta(direction bool, trigger uint32, delta int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := dirIndex(direction)

	var prev transition
	if n := len(s.transitions); n > 0 {
		prev = s.transitions[n-1]
	}

	if prev.hasTrigger[dir] && !seqGEQ(trigger, prev.trigger[dir]) {
		return ErrNonMonotoneTrigger
	}

	nt := prev
	nt.trigger[dir] = trigger
	nt.hasTrigger[dir] = true
	nt.delta[dir] = prev.delta[dir] + delta

	s.transitions = append(s.transitions, nt)
	return nil
}

// currentDelta returns the delta that applies to a packet carrying
// sequence number seq in direction dir: the delta of the newest
// transition whose trigger for that direction has been reached, or
// zero if none has. Must be called with s.mu held.
func (s *SeqState) currentDelta(direction bool, seq uint32) int32 {
	dir := dirIndex(direction)
	for i := len(s.transitions) - 1; i >= 0; i-- {
		t := s.transitions[i]
		if t.hasTrigger[dir] && seqGEQ(seq, t.trigger[dir]) {
			return t.delta[dir]
		}
	}
	return 0
}

// NewSeq translates a sequence number traveling in direction: the
// number's own stream shifted forward by that direction's current
// delta.
func (s *SeqState) NewSeq(direction bool, seq uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq + uint32(s.currentDelta(direction, seq))
}

// NewAck translates an acknowledgement number (or a SACK block edge)
// carried by a packet traveling in direction: such numbers live in the
// peer stream's sequence space, so they must be shifted the opposite
// way from that peer stream's own current delta (spec.md §8 scenario 4:
// an ACK of A for a control-channel PORT rewrite of +delta bytes must
// be emitted as A-delta).
func (s *SeqState) NewAck(direction bool, ack uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ack - uint32(s.currentDelta(!direction, ack))
}

// HasTransitions reports whether any delta transitions have been
// recorded, letting Mapping.Apply skip sequence-number work entirely
// for ordinary (non-ALG-touched) flows.
func (s *SeqState) HasTransitions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transitions) > 0
}

// Prune ages out transitions whose trigger, for either direction, is
// more than 2^30 sequence numbers behind the reference points given for
// each direction (typically the current packet's seq and ack fields).
// Once both directions of a transition are aged out, it is dropped
// entirely (spec.md §4.2).
func (s *SeqState) Prune(forwardRef, reverseRef uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const horizon = 1 << 30
	refs := [2]uint32{forwardRef, reverseRef}

	kept := s.transitions[:0]
	for _, t := range s.transitions {
		for dir := 0; dir < 2; dir++ {
			if t.hasTrigger[dir] && seqGEQ(refs[dir], t.trigger[dir]+horizon+1) {
				t.hasTrigger[dir] = false
			}
		}
		if t.hasTrigger[0] || t.hasTrigger[1] {
			kept = append(kept, t)
		}
	}
	s.transitions = kept
}
