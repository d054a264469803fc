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

// Package mapping implements the per-direction Mapping record and its
// Apply algorithm (spec.md §4.2): IP/port rewriting, incremental
// checksum updates, and -- for TCP -- sequence-number translation
// through a SeqState shared with the Flow's other direction.
package mapping

import (
	"encoding/binary"
	"net/netip"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/packet"
)

// A Mapping is half of a Flow: the rewrite rule for packets traveling
// in one direction (spec.md §3).
type Mapping struct {
	// Rewritten is the FlowID that packets emitted through this
	// Mapping will carry.
	Rewritten flowid.ID
	// Output is the index of the output port packets are emitted on.
	Output int
	// Direction is false for the forward Mapping, true for reverse.
	Direction bool

	ipDelta        uint16
	transportDelta uint16

	// ReplyAnno, if non-negative, is the annotation byte offset
	// stamped with ReplyAnnoValue on reply-direction packets
	// (REPLY_ANNO keyword, spec.md §4.2).
	ReplyAnno      int
	ReplyAnnoValue byte
	// DstAnno enables stamping the post-rewrite destination address
	// into the packet's DST_ANNO annotation.
	DstAnno bool
}

// New builds a Mapping for the rewrite from original to rewritten,
// precomputing the IP-header and transport pseudo-header checksum
// deltas (spec.md §4.2: "precomputed once at installation").
func New(original, rewritten flowid.ID, output int, direction bool) *Mapping {
	origAddrs := append(halfwords(original.SAddr), halfwords(original.DAddr)...)
	newAddrs := append(halfwords(rewritten.SAddr), halfwords(rewritten.DAddr)...)

	origAll := append(append([]uint16{}, origAddrs...), original.SPort, original.DPort)
	newAll := append(append([]uint16{}, newAddrs...), rewritten.SPort, rewritten.DPort)

	return &Mapping{
		Rewritten:      rewritten,
		Output:         output,
		Direction:      direction,
		ipDelta:        flowid.HalfwordChecksumDelta(origAddrs, newAddrs),
		transportDelta: flowid.HalfwordChecksumDelta(origAll, newAll),
		ReplyAnno:      -1,
	}
}

func halfwords(a netip.Addr) []uint16 {
	hw := flowid.AddrHalfwords(a)
	return []uint16{hw[0], hw[1]}
}

// updateChecksum applies a precomputed delta to a 16-bit one's
// complement checksum field in place, per spec.md §4.2's incremental
// update rule (RFC 1624): delta is the sum of the new halfwords minus
// the sum of the old ones, so the checksum moves by -delta, added as
// delta's one's complement. Every delta in this package is computed for
// the rewrite it is applied to (each Mapping holds its own), so the
// update is the same for either direction.
func updateChecksum(check *uint16, direction bool, delta uint16) {
	if delta == 0 {
		return
	}
	sum := uint32(*check) + uint32(^delta)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	*check = uint16(sum)
}

// Apply rewrites pkt according to the Mapping: IP addresses, optional
// annotations, incremental IP checksum, and -- for first-fragment
// TCP/UDP packets with a full transport header -- ports, sequence
// numbers (TCP, via seq), and the transport checksum (spec.md §4.2).
// The Mapping's own Rewritten FlowID is applied directly, matching the
// source's `_mapto`: a Mapping's Rewritten field already holds exactly
// what this direction's source/destination and ports should become.
//
// seq is nil for non-TCP flows.
func (m *Mapping) Apply(pkt packet.Packet, seq *SeqState) {
	ip := pkt.IPHeader()
	ip.Src = m.Rewritten.SAddr
	ip.Dst = m.Rewritten.DAddr

	if m.DstAnno {
		pkt.SetDstIPAnno(m.Rewritten.DAddr)
	}
	if m.Direction && m.ReplyAnno >= 0 {
		pkt.SetAnnoU8(m.ReplyAnno, m.ReplyAnnoValue)
	}

	updateChecksum(&ip.Check, m.Direction, m.ipDelta)

	if !pkt.IsFirstFragment() || pkt.TransportLength() < 8 {
		return
	}

	switch {
	case pkt.TCPHeader() != nil:
		m.applyTCP(pkt, seq)
	case pkt.UDPHeader() != nil:
		m.applyUDP(pkt)
	}
}

func (m *Mapping) applyUDP(pkt packet.Packet) {
	u := pkt.UDPHeader()
	u.SPort = m.Rewritten.SPort
	u.DPort = m.Rewritten.DPort

	// RFC 768: a zero UDP checksum means "no checksum" and must stay
	// zero; only a non-zero checksum is incrementally updated.
	if u.Check != 0 {
		updateChecksum(&u.Check, m.Direction, m.transportDelta)
	}
}

func (m *Mapping) applyTCP(pkt packet.Packet, seq *SeqState) {
	t := pkt.TCPHeader()
	t.SPort = m.Rewritten.SPort
	t.DPort = m.Rewritten.DPort
	updateChecksum(&t.Check, m.Direction, m.transportDelta)

	if int(t.DataOff)*4 > pkt.TransportLength() {
		return
	}

	if seq == nil || !seq.HasTransitions() {
		return
	}

	newSeq := seq.NewSeq(m.Direction, t.Seq)
	updateCsumU32(&t.Check, t.Seq, newSeq)
	t.Seq = newSeq

	newAck := seq.NewAck(m.Direction, t.Ack)
	updateCsumU32(&t.Check, t.Ack, newAck)
	t.Ack = newAck

	if len(t.Options) > 0 {
		applySACK(t, seq, m.Direction)
	}
}

// updateCsumU32 incrementally updates a 16-bit checksum for the
// replacement of a 32-bit field, halfword by halfword.
func updateCsumU32(check *uint16, old, new uint32) {
	oldB := [4]byte{}
	newB := [4]byte{}
	binary.BigEndian.PutUint32(oldB[:], old)
	binary.BigEndian.PutUint32(newB[:], new)

	for i := 0; i < 4; i += 2 {
		o := binary.BigEndian.Uint16(oldB[i : i+2])
		n := binary.BigEndian.Uint16(newB[i : i+2])
		d := flowid.HalfwordChecksumDelta([]uint16{o}, []uint16{n})
		updateChecksum(check, true, d)
	}
}

// applySACK rewrites every left/right edge of any Selective-ACK blocks
// present in the TCP options, incrementally updating the TCP checksum
// by the one's-complement difference summed over the whole option area
// (spec.md §4.2).
func applySACK(t *packet.TCPHeader, seq *SeqState, direction bool) {
	offsets := packet.SACKBlockOffsets(t.Options)
	if len(offsets) == 0 {
		return
	}

	before := make([]uint16, 0, len(t.Options)/2)
	for i := 0; i+1 < len(t.Options); i += 2 {
		before = append(before, binary.BigEndian.Uint16(t.Options[i:i+2]))
	}

	for _, off := range offsets {
		old := packet.ReadUint32(t.Options, off)
		packet.WriteUint32(t.Options, off, seq.NewAck(direction, old))
	}

	after := make([]uint16, 0, len(before))
	for i := 0; i+1 < len(t.Options); i += 2 {
		after = append(after, binary.BigEndian.Uint16(t.Options[i:i+2]))
	}

	d := flowid.HalfwordChecksumDelta(before, after)
	updateChecksum(&t.Check, true, d)
}
