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

package rewriter

import (
	"net/netip"
	"time"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
)

// echoMapping is the ICMP-echo analogue of mapping.Mapping: it rewrites
// a packet's addresses plus its echo identifier (standing in for the
// port pair a TCP/UDP Mapping would rewrite), with its own precomputed
// checksum deltas since an ICMP echo checksum covers only the ICMP
// message -- no pseudo-header -- so the address change and the
// identifier change affect different checksums (IP vs. ICMP).
type echoMapping struct {
	rewritten flowid.ID
	output    int
	direction bool
	ipDelta   uint16
	icmpDelta uint16
}

func newEchoMapping(original, rewritten flowid.ID, output int, direction bool) *echoMapping {
	origAddrs := append(halfwordsOf(original.SAddr), halfwordsOf(original.DAddr)...)
	newAddrs := append(halfwordsOf(rewritten.SAddr), halfwordsOf(rewritten.DAddr)...)

	return &echoMapping{
		rewritten: rewritten,
		output:    output,
		direction: direction,
		ipDelta:   flowid.HalfwordChecksumDelta(origAddrs, newAddrs),
		icmpDelta: flowid.HalfwordChecksumDelta([]uint16{original.SPort}, []uint16{rewritten.SPort}),
	}
}

func halfwordsOf(a netip.Addr) []uint16 {
	hw := flowid.AddrHalfwords(a)
	return []uint16{hw[0], hw[1]}
}

func (m *echoMapping) apply(pkt packet.Packet) {
	ip := pkt.IPHeader()
	ip.Src = m.rewritten.SAddr
	ip.Dst = m.rewritten.DAddr
	applyChecksumDelta(&ip.Check, m.direction, m.ipDelta)

	icmp := pkt.ICMPHeader()
	if icmp == nil {
		return
	}
	icmp.Identifier = m.rewritten.SPort
	applyChecksumDelta(&icmp.Check, m.direction, m.icmpDelta)
}

// applyChecksumDelta mirrors mapping.updateChecksum (unexported in its
// own package): delta is new minus old for this mapping's own rewrite,
// so the checksum moves by -delta, added as delta's one's complement,
// in either direction.
func applyChecksumDelta(check *uint16, direction bool, delta uint16) {
	if delta == 0 {
		return
	}
	sum := uint32(*check) + uint32(^delta)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	*check = uint16(sum)
}

// EchoRewriter implements the ICMP-echo companion class (spec.md §4.4):
// request packets install a Flow keyed on (saddr, identifier, daddr,
// identifier); reply packets with no installed Flow are forwarded
// unchanged when PassUnmapped is set.
//
// EchoRewriter keeps its own expiry-ordered table rather than sharing a
// flowheap.Heap: the heap's admission/eviction machinery is typed to
// *flow.Flow, and an ICMP echo mapping carries no TCP/UDP connection
// state worth the shared-capacity bookkeeping a full Flow provides;
// GCSweep below does the equivalent best-effort-only reclamation by
// linear scan, which is proportionate to how little state echo
// mappings hold.
type EchoRewriter struct {
	Inputs       []InputSpec
	Emit         func(out int, pkt packet.Packet)
	PassUnmapped bool
	Timeout      time.Duration

	table map[flowid.ID]*echoEntry
}

type echoEntry struct {
	forward, reverse *echoMapping
	expiry           time.Time
}

// NewEchoRewriter returns an EchoRewriter dispatching misses per
// inputs.
func NewEchoRewriter(inputs []InputSpec, timeout time.Duration, emit func(int, packet.Packet)) *EchoRewriter {
	return &EchoRewriter{
		Inputs:  inputs,
		Timeout: timeout,
		Emit:    emit,
		table:   make(map[flowid.ID]*echoEntry),
	}
}

// GCSweep removes every echo mapping whose expiry has passed.
func (r *EchoRewriter) GCSweep(now time.Time) {
	for k, e := range r.table {
		if !e.expiry.After(now) {
			delete(r.table, k)
		}
	}
}

// Lookup returns the rewritten FlowID an installed echo mapping would
// apply to a packet carrying id.
func (r *EchoRewriter) Lookup(id flowid.ID) (flowid.ID, bool) {
	if e, ok := r.table[id]; ok {
		return e.forward.rewritten, true
	}
	return flowid.ID{}, false
}

func echoKey(ip *packet.IPHeader, icmp *packet.ICMPEcho) flowid.ID {
	return flowid.New(ip.Src, icmp.Identifier, ip.Dst, icmp.Identifier)
}

// Push dispatches one ICMP echo request/reply packet.
func (r *EchoRewriter) Push(in int, pkt packet.Packet, now time.Time) {
	ip := pkt.IPHeader()
	icmp := pkt.ICMPHeader()
	if ip == nil || icmp == nil {
		r.routeUnrewritten(in, pkt)
		return
	}

	key := echoKey(ip, icmp)
	if e, hit := r.table[key]; hit {
		// Both keys share one entry; only the request key equals the
		// reverse mapping's rewritten tuple reversed.
		m := e.forward
		if key != e.reverse.rewritten.Reverse() {
			m = e.reverse
		}
		m.apply(pkt)
		e.expiry = now.Add(r.Timeout)
		r.Emit(m.output, pkt)
		return
	}
	if e, hit := r.table[key.Reverse()]; hit {
		e.reverse.apply(pkt)
		e.expiry = now.Add(r.Timeout)
		r.Emit(e.reverse.output, pkt)
		return
	}

	if icmp.Type == packet.ICMPTypeEchoReply {
		if r.PassUnmapped {
			r.routeUnrewritten(in, pkt)
			return
		}
		pkt.Kill()
		return
	}

	r.install(in, pkt, ip, icmp, key, now)
}

func (r *EchoRewriter) routeUnrewritten(in int, pkt packet.Packet) {
	if in < 0 || in >= len(r.Inputs) {
		pkt.Kill()
		return
	}
	if r.Inputs[in].Kind == KindPass {
		r.Emit(r.Inputs[in].Output, pkt)
		return
	}
	pkt.Kill()
}

func (r *EchoRewriter) install(in int, pkt packet.Packet, ip *packet.IPHeader, icmp *packet.ICMPEcho, key flowid.ID, now time.Time) {
	if in < 0 || in >= len(r.Inputs) {
		pkt.Kill()
		return
	}
	spec := &r.Inputs[in]

	probe := func(id flowid.ID) bool {
		_, ok := r.table[id]
		return ok
	}

	var out flowid.ID
	var decision pattern.Decision
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

	fwd := newEchoMapping(key, out, spec.ForwardOutput, mapping.Forward)
	rev := newEchoMapping(out.Reverse(), key.Reverse(), spec.ReverseOutput, mapping.Reverse)

	e := &echoEntry{forward: fwd, reverse: rev, expiry: now.Add(r.Timeout)}
	r.table[key] = e
	r.table[out.Reverse()] = e

	fwd.apply(pkt)
	r.Emit(fwd.output, pkt)
}

// ReverseLookup is implemented by every Rewriter variant: given a
// lookup key, report the FlowID the Flow installed under that key
// rewrites it to, if any. ICMPRewriter passes the reverse of the FlowID
// a packet's embedded (offending) IP header carries.
// ICMPRewriter uses this to find which of several referenced Rewriters
// installed the flow an ICMP error is reporting on.
type ReverseLookup interface {
	Lookup(id flowid.ID) (flowid.ID, bool)
}

// payloadAccessor is implemented by packet implementations whose
// transport payload can be read/replaced wholesale -- MemPacket, this
// module's reference implementation, is one. ICMP error rewriting
// needs this to reach the embedded IP header + first 8 payload bytes
// RFC 792 carries after the ICMP header; a Packet implementation that
// does not support it simply cannot use ICMPRewriter.
type payloadAccessor interface {
	Payload() []byte
	SetPayload([]byte)
}

// ICMPRewriter rewrites the embedded IP header of ICMP error packets
// (destination unreachable, TTL exceeded, redirect, source quench,
// parameter problem) by finding, among Rewriters searched in order,
// whichever one's reverse mapping applies to the embedded 4-tuple
// (spec.md §4.4's "separate element type ... takes a list of rewriter
// references and searches them in order").
//
// As spec.md's design notes record as a known non-conformance, the
// embedded IP header's own checksum is not recomputed after rewriting
// its addresses/ports -- matching the teacher's own documented gap
// rather than silently fixing behavior the spec didn't ask for.
type ICMPRewriter struct {
	Rewriters []ReverseLookup
	Emit      func(out int, pkt packet.Packet)
}

// NewICMPRewriter returns an ICMPRewriter searching rewriters in order.
func NewICMPRewriter(rewriters []ReverseLookup, emit func(int, packet.Packet)) *ICMPRewriter {
	return &ICMPRewriter{Rewriters: rewriters, Emit: emit}
}

// Push rewrites pkt's embedded IP header in place (if any referenced
// Rewriter's reverse mapping applies) and emits it on out; non-error
// ICMP types and packets whose embedded header cannot be read are
// emitted unchanged.
func (r *ICMPRewriter) Push(out int, pkt packet.Packet) {
	icmp := pkt.ICMPHeader()
	if icmp == nil || !packet.IsError(icmp.Type) {
		r.Emit(out, pkt)
		return
	}

	pa, ok := pkt.(payloadAccessor)
	if !ok {
		r.Emit(out, pkt)
		return
	}

	embedded := pa.Payload()
	if len(embedded) < 28 { // 20-byte IP header + 8 bytes of transport
		r.Emit(out, pkt)
		return
	}

	parsed, ok := parseEmbeddedFlowID(embedded)
	if !ok {
		r.Emit(out, pkt)
		return
	}

	// The embedded header carries the post-rewrite (forward) tuple, the
	// mirror image of the table's forward key. Looking it up directly
	// would probe a key nothing installed; its reverse is what the
	// owning Rewriter keyed its reverse Mapping under.
	for _, rw := range r.Rewriters {
		if out4, hit := rw.Lookup(parsed.Reverse()); hit {
			writeEmbeddedFlowID(embedded, out4.Reverse())
			break
		}
	}

	r.Emit(out, pkt)
}

func parseEmbeddedFlowID(b []byte) (flowid.ID, bool) {
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || len(b) < ihl+4 {
		return flowid.ID{}, false
	}
	src, ok1 := netip.AddrFromSlice(b[12:16])
	dst, ok2 := netip.AddrFromSlice(b[16:20])
	if !ok1 || !ok2 {
		return flowid.ID{}, false
	}
	sport := uint16(b[ihl])<<8 | uint16(b[ihl+1])
	dport := uint16(b[ihl+2])<<8 | uint16(b[ihl+3])
	return flowid.New(src.Unmap(), sport, dst.Unmap(), dport), true
}

func writeEmbeddedFlowID(b []byte, id flowid.ID) {
	ihl := int(b[0]&0x0f) * 4
	src4 := id.SAddr.As4()
	dst4 := id.DAddr.As4()
	copy(b[12:16], src4[:])
	copy(b[16:20], dst4[:])
	b[ihl] = byte(id.SPort >> 8)
	b[ihl+1] = byte(id.SPort)
	b[ihl+2] = byte(id.DPort >> 8)
	b[ihl+3] = byte(id.DPort)
}
