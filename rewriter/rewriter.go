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

// Package rewriter implements the Rewriter dispatch element (spec.md
// §4.4): one flow table for TCP and UDP backed by a shared FlowHeap, a list
// of per-input InputSpecs describing how to handle a miss, and the
// packet push algorithm tying Pattern/Mapper allocation to Flow/Mapping
// installation.
package rewriter

import (
	"fmt"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
)

// A mapEntry is what a Rewriter's table maps a lookup FlowID to: the
// Flow owning the two Mappings, and which one (forward or reverse)
// answers packets carrying this particular key.
type mapEntry struct {
	flow      *flow.Flow
	direction bool
}

// A Rewriter is the core dispatch element: one hash table, holding TCP
// and UDP flows alike, from lookup FlowID to mapEntry (the protocol is
// not part of the key, so a TCP and a UDP packet with the same 4-tuple
// resolve to the same entry), a shared FlowHeap for expiry-ordered
// eviction, and the InputSpec list describing how misses are resolved
// (spec.md §3, §4.4).
type Rewriter struct {
	Inputs   []InputSpec
	Timeouts flow.Timeouts
	Heap     *flowheap.Heap
	Registry *pattern.Registry

	// Guaranteed marks every Flow this Rewriter installs as guaranteed
	// (GUARANTEE keyword argument, spec.md §6): it never sits on the
	// best-effort heap until its guarantee window elapses.
	Guaranteed bool

	// DstAnno enables stamping the post-rewrite destination address
	// into every Mapping this Rewriter installs (DST_ANNO keyword,
	// spec.md §6).
	DstAnno bool

	// ReplyAnno, if non-negative, is the annotation byte offset a new
	// Flow's triggering packet is read from and every reply-direction
	// packet is later stamped with (REPLY_ANNO keyword, spec.md §4.2/§6).
	// Negative disables the feature.
	ReplyAnno int

	// Emit hands a rewritten (or pass-through) packet to output index
	// out. Supplied by the graph scheduler / device I/O layer, which is
	// out of this module's scope (spec.md §6).
	Emit func(out int, pkt packet.Packet)

	table map[flowid.ID]*mapEntry
}

// New returns a Rewriter dispatching misses per inputs, sharing h for
// admission/eviction, applying timeouts on every hit, and calling emit
// to hand off packets.
func New(inputs []InputSpec, h *flowheap.Heap, timeouts flow.Timeouts, emit func(int, packet.Packet)) *Rewriter {
	return &Rewriter{
		Inputs:    inputs,
		Heap:      h,
		Timeouts:  timeouts,
		Emit:      emit,
		ReplyAnno: -1,
		table:     make(map[flowid.ID]*mapEntry),
	}
}

// Configure resolves every KindPatternName InputSpec against reg and
// takes out a reference on every Pattern an InputSpec ends up holding,
// per spec.md §4.1's "reference counts on Patterns are incremented on
// use by each InputSpec." It must be called once, after construction
// and before the first Push.
func (r *Rewriter) Configure(reg *pattern.Registry) error {
	r.Registry = reg
	for i := range r.Inputs {
		in := &r.Inputs[i]
		switch in.Kind {
		case KindPatternName:
			p, err := reg.Lookup(in.PatternName)
			if err != nil {
				return fmt.Errorf("rewriter: input %d: %w", i, err)
			}
			in.Pattern = p
			in.Kind = KindPattern
		case KindPattern:
			if in.Pattern != nil {
				in.Pattern.Ref()
			}
		}
	}
	return nil
}

// Close releases this Rewriter's references on any Patterns its
// InputSpecs hold, per spec.md §4.1's "decremented on Rewriter
// cleanup."
func (r *Rewriter) Close() {
	for i := range r.Inputs {
		if r.Inputs[i].Kind == KindPattern && r.Inputs[i].Pattern != nil {
			r.Inputs[i].Pattern.Unref()
		}
	}
}

// NMappings returns the number of Flows this Rewriter has installed,
// summed across every InputSpec's success counter (the "nmappings"
// control handler, spec.md §4.4).
func (r *Rewriter) NMappings() uint32 {
	var n uint32
	for i := range r.Inputs {
		n += r.Inputs[i].count
	}
	return n
}

// MappingFailures returns the total allocation-failure count summed
// across every InputSpec (the "mapping_failures" control handler).
func (r *Rewriter) MappingFailures() uint32 {
	var n uint32
	for i := range r.Inputs {
		n += r.Inputs[i].failures
	}
	return n
}

// InputSpecString implements the "pattern<i>" handler's read side.
func (r *Rewriter) InputSpecString(i int) (string, error) {
	if i < 0 || i >= len(r.Inputs) {
		return "", fmt.Errorf("rewriter: input %d out of range", i)
	}
	return r.Inputs[i].Raw, nil
}

// SetInputSpec implements the "pattern<i>" handler's write side,
// replacing input i's InputSpec. A KindPatternName spec is resolved
// against r.Registry immediately (mirroring Configure's own
// resolution at construction time), and reference counts on any
// Pattern being replaced or newly referenced are adjusted to match,
// per spec.md §4.1's refcounting rule.
func (r *Rewriter) SetInputSpec(i int, spec InputSpec) error {
	if i < 0 || i >= len(r.Inputs) {
		return fmt.Errorf("rewriter: input %d out of range", i)
	}

	if spec.Kind == KindPatternName {
		if r.Registry == nil {
			return fmt.Errorf("rewriter: input %d: no pattern registry configured", i)
		}
		p, err := r.Registry.Lookup(spec.PatternName)
		if err != nil {
			return err
		}
		spec.Pattern = p
		spec.Kind = KindPattern
	} else if spec.Kind == KindPattern && spec.Pattern != nil {
		spec.Pattern.Ref()
	}

	old := r.Inputs[i]
	if old.Kind == KindPattern && old.Pattern != nil {
		old.Pattern.Unref()
	}
	r.Inputs[i] = spec
	return nil
}

// Lookup returns the rewritten FlowID an installed Flow would apply to
// a packet carrying id, for the "lookup" control handler.
func (r *Rewriter) Lookup(id flowid.ID) (flowid.ID, bool) {
	e, ok := r.table[id]
	if !ok {
		return flowid.ID{}, false
	}
	return r.mappingFor(e).Rewritten, true
}

// Table returns a snapshot of every installed Flow's lookup key
// (the "table"/"tcp_table"/"udp_table" control handlers dump these
// alongside each Flow's state).
func (r *Rewriter) Table() map[flowid.ID]*flow.Flow {
	out := make(map[flowid.ID]*flow.Flow, len(r.table))
	for k, e := range r.table {
		out[k] = e.flow
	}
	return out
}

func (r *Rewriter) mappingFor(e *mapEntry) *mapping.Mapping {
	if e.direction == mapping.Reverse {
		return e.flow.Reverse
	}
	return e.flow.Forward
}

// Push runs the hot path for a packet arriving on input port in (spec.md
// §4.4): validate, form the lookup key, probe the table, and on hit
// apply the Flow's Mapping and re-extend its expiry; on miss, consult
// InputSpec[in] to decide whether (and how) to install a new Flow.
func (r *Rewriter) Push(in int, pkt packet.Packet, now time.Time) {
	ip := pkt.IPHeader()
	if ip == nil || !validProto(ip.Proto) || !pkt.IsFirstFragment() || pkt.TransportLength() < 8 {
		r.routeUnrewritten(in, pkt)
		return
	}

	key, ok := lookupKey(pkt, ip)
	if !ok {
		r.routeUnrewritten(in, pkt)
		return
	}

	if e, hit := r.table[key]; hit {
		dur := e.flow.Apply(pkt, e.direction, r.Timeouts)
		r.Heap.ChangeExpiry(e.flow, now.Add(dur), e.flow.Guaranteed)
		r.Emit(r.mappingFor(e).Output, pkt)
		return
	}

	r.install(in, pkt, ip.Proto, key, now)
}

// routeUnrewritten handles spec.md §4.4 step 1's fallback for packets
// that cannot carry a rewritable flow key: pass them through unchanged
// on the configured input's pass output, or drop them.
func (r *Rewriter) routeUnrewritten(in int, pkt packet.Packet) {
	if in < 0 || in >= len(r.Inputs) {
		pkt.Kill()
		return
	}
	spec := r.Inputs[in]
	if spec.Kind == KindPass {
		r.Emit(spec.Output, pkt)
		return
	}
	pkt.Kill()
}

func validProto(p packet.Proto) bool {
	switch p {
	case packet.ProtoTCP, packet.ProtoUDP, packet.ProtoICMP:
		return true
	default:
		return false
	}
}

// lookupKey forms the 4-tuple FlowID a TCP or UDP packet should be
// looked up by. ICMP echo traffic is handled by EchoRewriter instead
// (spec.md §4.4's "companion class"), so lookupKey only recognizes
// TCP/UDP transport headers.
func lookupKey(pkt packet.Packet, ip *packet.IPHeader) (flowid.ID, bool) {
	if t := pkt.TCPHeader(); t != nil {
		return flowid.New(ip.Src, t.SPort, ip.Dst, t.DPort), true
	}
	if u := pkt.UDPHeader(); u != nil {
		return flowid.New(ip.Src, u.SPort, ip.Dst, u.DPort), true
	}
	return flowid.ID{}, false
}

// install resolves InputSpec[in] against key (spec.md §4.4 step 4),
// and on success builds a Flow, installs its forward Mapping in this
// Rewriter's table and its reverse Mapping in the reply Rewriter's
// table (defaulting to this Rewriter), applies the triggering packet
// through the forward Mapping, and admits the Flow into the shared
// heap.
func (r *Rewriter) install(in int, pkt packet.Packet, proto packet.Proto, key flowid.ID, now time.Time) {
	if in < 0 || in >= len(r.Inputs) {
		pkt.Kill()
		return
	}
	spec := &r.Inputs[in]

	reply := spec.ReplyRewriter
	if reply == nil {
		reply = r
	}
	probe := func(id flowid.ID) bool {
		_, ok := reply.table[id]
		return ok
	}

	var out flowid.ID
	var decision pattern.Decision
	fout, rout := spec.ForwardOutput, spec.ReverseOutput

	switch spec.Kind {
	case KindDrop:
		pkt.Kill()
		return
	case KindPass:
		r.Emit(spec.Output, pkt)
		return
	case KindKeep:
		out, decision = key, pattern.AddMap
	case KindPattern:
		out, decision = spec.Pattern.RewriteFlowID(key, probe)
	case KindMapper:
		out, decision = spec.Mapper.RewriteFlowID(key, probe)
	default:
		pkt.Kill()
		return
	}

	if decision == pattern.Drop {
		spec.failures++
		pkt.Kill()
		return
	}
	spec.count++

	fwd := mapping.New(key, out, fout, mapping.Forward)
	rev := mapping.New(out.Reverse(), key.Reverse(), rout, mapping.Reverse)
	fwd.DstAnno, rev.DstAnno = r.DstAnno, r.DstAnno

	f := flow.New(proto, fwd, rev, now, 0)
	f.Guaranteed = r.Guaranteed

	if r.ReplyAnno >= 0 {
		f.ReplyAnnoByte = pkt.AnnoU8(r.ReplyAnno)
		rev.ReplyAnno = r.ReplyAnno
		rev.ReplyAnnoValue = f.ReplyAnnoByte
	}

	dur := f.Apply(pkt, mapping.Forward, r.Timeouts)
	f.Expiry = now.Add(dur)

	r.table[key] = &mapEntry{flow: f, direction: mapping.Forward}
	reply.table[out.Reverse()] = &mapEntry{flow: f, direction: mapping.Reverse}

	if err := r.Heap.Insert(f, now); err != nil {
		delete(r.table, key)
		delete(reply.table, out.Reverse())
		pkt.Kill()
		return
	}

	r.Emit(fwd.Output, pkt)
}

// Evict removes every lookup entry belonging to dead Flows, e.g. those
// returned by a FlowHeap GC sweep or shrink. Because a Flow's forward
// and reverse Mappings may be installed in two different Rewriters'
// tables (spec.md §4.4's reply-Rewriter indirection), the caller must
// invoke Evict on every Rewriter that might hold an entry for f.
func (r *Rewriter) Evict(dead []*flow.Flow) {
	if len(dead) == 0 {
		return
	}
	live := make(map[*flow.Flow]bool, len(dead))
	for _, f := range dead {
		live[f] = true
	}
	for k, e := range r.table {
		if live[e.flow] {
			delete(r.table, k)
		}
	}
}
