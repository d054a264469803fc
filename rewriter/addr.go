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

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
)

// AddrRewriter is the "Basic NAT" variant (spec.md §4.4's address-only
// class): it tracks flows by source address alone on the forward path
// and by destination address alone on the reply path, independently of
// ports. It shares Rewriter's InputSpec/Mapping/Flow machinery, just
// with a narrower lookup key.
type AddrRewriter struct {
	Inputs   []InputSpec
	Timeouts flow.Timeouts
	Heap     *flowheap.Heap
	Registry *pattern.Registry
	Emit     func(out int, pkt packet.Packet)

	fwdTable map[netip.Addr]*mapEntry
	revTable map[netip.Addr]*mapEntry
}

// NewAddrRewriter returns an AddrRewriter dispatching misses per
// inputs.
func NewAddrRewriter(inputs []InputSpec, h *flowheap.Heap, timeouts flow.Timeouts, emit func(int, packet.Packet)) *AddrRewriter {
	return &AddrRewriter{
		Inputs:   inputs,
		Heap:     h,
		Timeouts: timeouts,
		Emit:     emit,
		fwdTable: make(map[netip.Addr]*mapEntry),
		revTable: make(map[netip.Addr]*mapEntry),
	}
}

// Lookup returns the rewritten FlowID an installed Flow would apply to
// a packet carrying id, probing by source address alone (the "lookup"
// control handler, spec.md §6).
func (r *AddrRewriter) Lookup(id flowid.ID) (flowid.ID, bool) {
	e, ok := r.fwdTable[id.SAddr]
	if !ok {
		return flowid.ID{}, false
	}
	m := e.flow.Forward
	if e.direction {
		m = e.flow.Reverse
	}
	return m.Rewritten, true
}

// Push dispatches a packet arriving on input in. Unlike Rewriter, a hit
// is decided by address alone: the forward table is probed by
// ip.Src, the reverse table by ip.Dst.
func (r *AddrRewriter) Push(in int, pkt packet.Packet, now time.Time) {
	ip := pkt.IPHeader()
	if ip == nil || !validProto(ip.Proto) || !pkt.IsFirstFragment() {
		r.routeUnrewritten(in, pkt)
		return
	}

	if e, hit := r.fwdTable[ip.Src]; hit {
		r.applyHit(e, pkt, now)
		return
	}
	if e, hit := r.revTable[ip.Dst]; hit {
		r.applyHit(e, pkt, now)
		return
	}

	r.install(in, pkt, ip, now)
}

func (r *AddrRewriter) applyHit(e *mapEntry, pkt packet.Packet, now time.Time) {
	m := e.flow.Forward
	if e.direction {
		m = e.flow.Reverse
	}
	dur := e.flow.Apply(pkt, e.direction, r.Timeouts)
	r.Heap.ChangeExpiry(e.flow, now.Add(dur), e.flow.Guaranteed)
	r.Emit(m.Output, pkt)
}

func (r *AddrRewriter) routeUnrewritten(in int, pkt packet.Packet) {
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

func (r *AddrRewriter) install(in int, pkt packet.Packet, ip *packet.IPHeader, now time.Time) {
	if in < 0 || in >= len(r.Inputs) {
		pkt.Kill()
		return
	}
	spec := &r.Inputs[in]

	key := addrOnlyKey(pkt, ip)
	probe := func(id flowid.ID) bool {
		_, ok := r.revTable[id.DAddr]
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

	fwd := mapping.New(key, out, spec.ForwardOutput, mapping.Forward)
	rev := mapping.New(out.Reverse(), key.Reverse(), spec.ReverseOutput, mapping.Reverse)

	proto := ip.Proto
	f := flow.New(proto, fwd, rev, now, 0)
	dur := f.Apply(pkt, mapping.Forward, r.Timeouts)
	f.Expiry = now.Add(dur)

	r.fwdTable[ip.Src] = &mapEntry{flow: f, direction: mapping.Forward}
	r.revTable[out.SAddr] = &mapEntry{flow: f, direction: mapping.Reverse}

	if err := r.Heap.Insert(f, now); err != nil {
		delete(r.fwdTable, ip.Src)
		delete(r.revTable, out.SAddr)
		pkt.Kill()
		return
	}

	r.Emit(fwd.Output, pkt)
}

// addrOnlyKey forms a FlowID carrying a packet's addresses, keeping
// ports where present so Mapping/Flow machinery still works unchanged;
// only the table lookup ignores them.
func addrOnlyKey(pkt packet.Packet, ip *packet.IPHeader) flowid.ID {
	if t := pkt.TCPHeader(); t != nil {
		return flowid.New(ip.Src, t.SPort, ip.Dst, t.DPort)
	}
	if u := pkt.UDPHeader(); u != nil {
		return flowid.New(ip.Src, u.SPort, ip.Dst, u.DPort)
	}
	return flowid.New(ip.Src, 0, ip.Dst, 0)
}

// AddrPairRewriter is the per-address-pair NAT variant (spec.md §4.4):
// flows are tracked by the (source, destination) address pair,
// independent of ports.
type AddrPairRewriter struct {
	Inputs   []InputSpec
	Timeouts flow.Timeouts
	Heap     *flowheap.Heap
	Registry *pattern.Registry
	Emit     func(out int, pkt packet.Packet)

	table map[addrPair]*mapEntry
}

type addrPair struct {
	Src, Dst netip.Addr
}

// NewAddrPairRewriter returns an AddrPairRewriter dispatching misses
// per inputs.
func NewAddrPairRewriter(inputs []InputSpec, h *flowheap.Heap, timeouts flow.Timeouts, emit func(int, packet.Packet)) *AddrPairRewriter {
	return &AddrPairRewriter{
		Inputs:   inputs,
		Heap:     h,
		Timeouts: timeouts,
		Emit:     emit,
		table:    make(map[addrPair]*mapEntry),
	}
}

// Lookup returns the rewritten FlowID an installed Flow would apply to
// a packet carrying id's (source, destination) address pair.
func (r *AddrPairRewriter) Lookup(id flowid.ID) (flowid.ID, bool) {
	e, ok := r.table[addrPair{Src: id.SAddr, Dst: id.DAddr}]
	if !ok {
		return flowid.ID{}, false
	}
	m := e.flow.Forward
	if e.direction {
		m = e.flow.Reverse
	}
	return m.Rewritten, true
}

func (r *AddrPairRewriter) Push(in int, pkt packet.Packet, now time.Time) {
	ip := pkt.IPHeader()
	if ip == nil || !validProto(ip.Proto) || !pkt.IsFirstFragment() {
		r.routeUnrewritten(in, pkt)
		return
	}

	key := addrPair{Src: ip.Src, Dst: ip.Dst}
	if e, hit := r.table[key]; hit {
		m := e.flow.Forward
		if e.direction {
			m = e.flow.Reverse
		}
		dur := e.flow.Apply(pkt, e.direction, r.Timeouts)
		r.Heap.ChangeExpiry(e.flow, now.Add(dur), e.flow.Guaranteed)
		r.Emit(m.Output, pkt)
		return
	}

	r.install(in, pkt, ip, now)
}

func (r *AddrPairRewriter) routeUnrewritten(in int, pkt packet.Packet) {
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

func (r *AddrPairRewriter) install(in int, pkt packet.Packet, ip *packet.IPHeader, now time.Time) {
	if in < 0 || in >= len(r.Inputs) {
		pkt.Kill()
		return
	}
	spec := &r.Inputs[in]

	key := addrOnlyKey(pkt, ip)
	probe := func(id flowid.ID) bool {
		_, ok := r.table[addrPair{Src: id.SAddr, Dst: id.DAddr}]
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

	fwd := mapping.New(key, out, spec.ForwardOutput, mapping.Forward)
	rev := mapping.New(out.Reverse(), key.Reverse(), spec.ReverseOutput, mapping.Reverse)

	f := flow.New(ip.Proto, fwd, rev, now, 0)
	dur := f.Apply(pkt, mapping.Forward, r.Timeouts)
	f.Expiry = now.Add(dur)

	fwdKey := addrPair{Src: ip.Src, Dst: ip.Dst}
	revKey := addrPair{Src: out.DAddr, Dst: out.SAddr}
	r.table[fwdKey] = &mapEntry{flow: f, direction: mapping.Forward}
	r.table[revKey] = &mapEntry{flow: f, direction: mapping.Reverse}

	if err := r.Heap.Insert(f, now); err != nil {
		delete(r.table, fwdKey)
		delete(r.table, revKey)
		pkt.Kill()
		return
	}

	r.Emit(fwd.Output, pkt)
}
