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

// Package pattern implements the Pattern allocator (spec.md §4.1): it
// produces fresh rewritten FlowIDs from a parameterized template,
// guaranteeing non-collision against a caller-supplied reverse-mapping
// probe.
package pattern

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/natrw/core/flowid"
)

// Decision is the outcome of rewriting a FlowID through a Pattern.
type Decision int

// Possible Pattern decisions, mirroring spec.md §4.1.
const (
	// Drop means no collision-free candidate exists; the triggering
	// packet must be dropped and a per-input failure counter bumped.
	Drop Decision = iota
	// AddMap means out carries a usable rewritten FlowID and the caller
	// should install a Flow for it.
	AddMap
)

// ReverseProbe reports whether id is already present in the reply
// direction's lookup map, i.e. whether a candidate rewrite would
// collide with an existing Flow. Patterns never touch the map
// directly (spec.md §4.1: "the pattern does not manage Mappings
// directly"); Rewriter supplies this closure.
type ReverseProbe func(id flowid.ID) bool

// A Pattern is an immutable (except for its allocation rotor) template
// for producing rewritten FlowIDs. Zero-value SAddr/DAddr/SPort/DPort
// fields mean "pass through the corresponding input packet field."
// Patterns are shared and refcounted across the InputSpecs that
// reference them (spec.md §3).
type Pattern struct {
	SAddr, DAddr SubstAddr
	SPort, DPort uint16

	// VariationTop is the size of the allocation range minus one. A
	// single-value range ("9000-9000") parses to VariationTop == 0, the
	// same value a pass-through/fixed field carries; Ranged is what
	// distinguishes the two.
	VariationTop uint32
	// Ranged reports whether SADDR/SPORT carried range syntax at all,
	// however narrow. A Pattern with Ranged == false never varies and
	// skips the reverse-map collision probe entirely; one with
	// Ranged == true always probes, even when VariationTop == 0.
	Ranged bool
	// VariationOnPort selects NAPT (vary SPORT) when true, or NAT (vary
	// the low 16 bits of SADDR) when false. Meaningless if Ranged is
	// false.
	VariationOnPort bool

	Sequential bool
	SameFirst  bool

	refs          int32
	mu            sync.Mutex
	nextVariation uint32
}

// SubstAddr is a template address field: either "pass through the
// input packet's address" (Valid == false) or a fixed substitution.
type SubstAddr struct {
	Addr  [4]byte
	Valid bool
}

// Ref increments the Pattern's reference count. Called by an InputSpec
// when it starts referencing a shared Pattern.
func (p *Pattern) Ref() { atomic.AddInt32(&p.refs, 1) }

// Unref decrements the reference count, returning the count after the
// decrement. Called by Rewriter cleanup.
func (p *Pattern) Unref() int32 { return atomic.AddInt32(&p.refs, -1) }

// Refs returns the current reference count.
func (p *Pattern) Refs() int32 { return atomic.LoadInt32(&p.refs) }

// substPort returns the template port, or in if the template port is 0
// (pass-through).
func substPort(tmpl, in uint16) uint16 {
	if tmpl != 0 {
		return tmpl
	}
	return in
}

// substAddr returns the template address, or in if the template field
// is not set (pass-through).
func substAddr(tmpl SubstAddr, in [4]byte) [4]byte {
	if tmpl.Valid {
		return tmpl.Addr
	}
	return in
}

// RewriteFlowID implements spec.md §4.1's rewrite_flowid algorithm. in
// is the input packet's FlowID (pre-rewrite); probe reports whether a
// candidate reverse FlowID is already in use. It returns the candidate
// output FlowID and Drop/AddMap.
func (p *Pattern) RewriteFlowID(in flowid.ID, probe ReverseProbe) (flowid.ID, Decision) {
	sa := substAddr(p.SAddr, in.SAddr.As4())
	da := substAddr(p.DAddr, in.DAddr.As4())
	sp := substPort(p.SPort, in.SPort)
	dp := substPort(p.DPort, in.DPort)

	if !p.Ranged {
		out := addrPort(sa, sp, da, dp)
		return out, AddMap
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.VariationOnPort {
		return p.allocatePortRange(in, sa, da, dp, probe)
	}
	return p.allocateAddrRange(in, sp, da, dp, probe)
}

func (p *Pattern) allocatePortRange(in flowid.ID, sa, da [4]byte, dp uint16, probe ReverseProbe) (flowid.ID, Decision) {
	base := uint32(p.SPort)
	top := p.VariationTop

	try := func(v uint32) (flowid.ID, bool) {
		sp := uint16(base + v)
		out := addrPort(sa, sp, da, dp)
		return out, !probe(out.Reverse())
	}

	if p.SameFirst {
		if in.SPort >= uint16(base) && uint32(in.SPort)-base <= top {
			if out, ok := try(uint32(in.SPort) - base); ok {
				return out, AddMap
			}
		}
	}

	start := p.scanStart(top)
	for i := uint32(0); i <= top; i++ {
		v := (start + i) % (top + 1)
		if out, ok := try(v); ok {
			if p.Sequential {
				p.nextVariation = (v + 1) % (top + 1)
			}
			return out, AddMap
		}
	}

	return flowid.ID{}, Drop
}

func (p *Pattern) allocateAddrRange(in flowid.ID, sp uint16, da [4]byte, dp uint16, probe ReverseProbe) (flowid.ID, Decision) {
	base := addrToUint32(p.SAddr.Addr)
	top := p.VariationTop

	try := func(v uint32) (flowid.ID, bool) {
		sa := uint32ToAddr(base + v)
		out := addrPort(sa, sp, da, dp)
		return out, !probe(out.Reverse())
	}

	if p.SameFirst {
		inLow := addrToUint32(in.SAddr.As4())
		if inLow >= base && inLow-base <= top {
			if out, ok := try(inLow - base); ok {
				return out, AddMap
			}
		}
	}

	start := p.scanStart(top)
	for i := uint32(0); i <= top; i++ {
		v := (start + i) % (top + 1)
		if out, ok := try(v); ok {
			if p.Sequential {
				p.nextVariation = (v + 1) % (top + 1)
			}
			return out, AddMap
		}
	}

	return flowid.ID{}, Drop
}

// scanStart returns the offset the range scan should begin from: the
// rotor's current position for sequential patterns, or a random offset
// otherwise.
func (p *Pattern) scanStart(top uint32) uint32 {
	if p.Sequential {
		return p.nextVariation % (top + 1)
	}
	return uint32(rand.Int63n(int64(top) + 1))
}

func addrToUint32(a [4]byte) uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func uint32ToAddr(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
