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

// Package flow defines the Flow record: a pair of forward/reverse
// Mappings plus the connection state shared between them (spec.md §3,
// §4.2).
package flow

import (
	"time"

	"github.com/rs/xid"

	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
)

// Timeouts holds the timeout values a Rewriter applies when updating a
// Flow's expiry on every applied packet (spec.md §4.2, §6 keyword
// arguments).
type Timeouts struct {
	TCPNoData    time.Duration // default 300s
	TCPData      time.Duration // default 86400s
	TCPDone      time.Duration // default 240s
	UDP          time.Duration
	UDPStreaming time.Duration
	Guarantee    time.Duration
}

// DefaultTimeouts returns the timeout table spec.md §4.2/§6 names as
// defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TCPNoData: 300 * time.Second,
		TCPData:   86400 * time.Second,
		TCPDone:   240 * time.Second,
	}
}

// A Flow owns the forward and reverse Mapping of one connection, plus
// the state shared between both directions: protocol, expiry,
// guarantee flag, heap position, TCP half-close bits, and (for TCP)
// the sequence-delta state.
type Flow struct {
	Forward *mapping.Mapping
	Reverse *mapping.Mapping

	Proto packet.Proto

	Expiry     time.Time
	Guaranteed bool

	// HeapIndex is maintained by flowheap for O(log n) re-sift on
	// expiry update; -1 when not currently in a heap.
	HeapIndex int

	// Seq is non-nil only for TCP flows.
	Seq *mapping.SeqState

	ForwardDone bool
	ReverseDone bool
	ForwardData bool
	ReverseData bool

	ReplyAnnoByte byte

	// TraceID uniquely identifies this Flow for the lifetime of the
	// process, independent of its (reusable) lookup keys: an operator
	// correlating a table dump, a control-plane eviction notice and a
	// log line needs a handle that survives the flow being replaced by
	// an unrelated one under the same FlowID after eviction.
	TraceID xid.ID
}

// New builds a Flow from its forward/reverse Mapping pair, expiring at
// now+timeout, not yet inserted into any heap.
func New(proto packet.Proto, fwd, rev *mapping.Mapping, now time.Time, timeout time.Duration) *Flow {
	f := &Flow{
		Forward:   fwd,
		Reverse:   rev,
		Proto:     proto,
		Expiry:    now.Add(timeout),
		HeapIndex: -1,
		TraceID:   xid.New(),
	}
	if proto == packet.ProtoTCP {
		f.Seq = &mapping.SeqState{}
	}
	return f
}

// Apply rewrites pkt through whichever of Forward/Reverse matches
// direction, updates TCP half-close tracking, and returns the Duration
// the flow's expiry should next be extended by (spec.md §4.2's timeout
// selection).
//
// direction is mapping.Forward or mapping.Reverse: which Mapping of
// this Flow's pair the packet is traveling through.
func (f *Flow) Apply(pkt packet.Packet, direction bool, timeouts Timeouts) time.Duration {
	m := f.Forward
	if direction {
		m = f.Reverse
	}

	m.Apply(pkt, f.Seq)

	if f.Proto != packet.ProtoTCP {
		return f.udpTimeout(timeouts)
	}

	f.trackHalfClose(pkt, direction)
	return f.tcpTimeout(timeouts)
}

// trackHalfClose updates the done/data bits per spec.md §4.2: RST
// closes both directions; FIN closes this direction; SYN or any
// payload reopens (clears done for) this direction; any payload marks
// data-seen for this direction.
func (f *Flow) trackHalfClose(pkt packet.Packet, direction bool) {
	tcp := pkt.TCPHeader()
	if tcp == nil {
		return
	}

	hasPayload := pkt.TransportLength() > int(tcp.DataOff)*4

	switch {
	case tcp.Flags.Has(packet.TCPFlagRST):
		f.ForwardDone = true
		f.ReverseDone = true
	case tcp.Flags.Has(packet.TCPFlagFIN):
		f.setDone(direction, true)
	case tcp.Flags.Has(packet.TCPFlagSYN) || hasPayload:
		f.setDone(direction, false)
	}

	if hasPayload {
		f.setData(direction, true)
	}
}

func (f *Flow) setDone(direction bool, v bool) {
	if direction == mapping.Reverse {
		f.ReverseDone = v
	} else {
		f.ForwardDone = v
	}
}

func (f *Flow) setData(direction bool, v bool) {
	if direction == mapping.Reverse {
		f.ReverseData = v
	} else {
		f.ForwardData = v
	}
}

// tcpTimeout selects the next expiry extension per spec.md §4.2: both
// sides closed uses the shortest (tcp_done) timeout, neither side
// having exchanged data uses tcp_nodata, otherwise the long-lived
// tcp_data timeout. Guaranteed flows add their guarantee window on top.
func (f *Flow) tcpTimeout(t Timeouts) time.Duration {
	var base time.Duration
	switch {
	case f.ForwardDone && f.ReverseDone:
		base = t.TCPDone
	case !f.ForwardData && !f.ReverseData:
		base = t.TCPNoData
	default:
		base = t.TCPData
	}
	if f.Guaranteed {
		base += t.Guarantee
	}
	return base
}

func (f *Flow) udpTimeout(t Timeouts) time.Duration {
	base := t.UDP
	if f.Guaranteed {
		base += t.Guarantee
	}
	return base
}
