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

package packet

import (
	"encoding/binary"
	"net/netip"
)

// MemPacket is an in-memory Packet implementation used by this module's
// tests. It decodes its headers once at
// construction and re-serializes them lazily in Data, standing in for
// the real packet buffer / header-parsing layer that spec.md treats as
// an external collaborator.
type MemPacket struct {
	ip      IPHeader
	ihl     int
	tcp     *TCPHeader
	udp     *UDPHeader
	icmp    *ICMPEcho
	payload []byte

	notFirstFragment bool
	dstAnno          netip.Addr
	anno             [8]byte
	killed           bool
}

// NewTCP builds a MemPacket carrying a TCP segment.
func NewTCP(ip IPHeader, tcp TCPHeader, payload []byte) *MemPacket {
	ip.Proto = ProtoTCP
	return &MemPacket{ip: ip, ihl: 20, tcp: &tcp, payload: payload}
}

// NewUDP builds a MemPacket carrying a UDP datagram.
func NewUDP(ip IPHeader, udp UDPHeader, payload []byte) *MemPacket {
	ip.Proto = ProtoUDP
	return &MemPacket{ip: ip, ihl: 20, udp: &udp, payload: payload}
}

// NewICMPEcho builds a MemPacket carrying an ICMP echo request/reply.
func NewICMPEcho(ip IPHeader, icmp ICMPEcho, payload []byte) *MemPacket {
	ip.Proto = ProtoICMP
	return &MemPacket{ip: ip, ihl: 20, icmp: &icmp, payload: payload}
}

// MarkNotFirstFragment forces IsFirstFragment()-dependent logic in the
// rewriter core to treat this packet as a non-first fragment, for
// exercising the fragment-passthrough path in tests.
func (p *MemPacket) MarkNotFirstFragment() { p.notFirstFragment = true }

// IPHeader returns a pointer to the packet's IP header; callers may
// mutate it in place (spec.md's Mapping::apply does exactly that).
func (p *MemPacket) IPHeader() *IPHeader { return &p.ip }

// TCPHeader returns the packet's TCP header, or nil if it is not TCP.
func (p *MemPacket) TCPHeader() *TCPHeader { return p.tcp }

// UDPHeader returns the packet's UDP header, or nil if it is not UDP.
func (p *MemPacket) UDPHeader() *UDPHeader { return p.udp }

// ICMPHeader returns the packet's ICMP echo header, or nil if it is not
// an ICMP echo request/reply.
func (p *MemPacket) ICMPHeader() *ICMPEcho { return p.icmp }

// Payload returns the transport payload bytes following the transport
// header (mutable in place; FTPHelper resizes it via Put/Take).
func (p *MemPacket) Payload() []byte { return p.payload }

// SetPayload replaces the transport payload wholesale. FTPHelper and
// ICMPRewriter list it in their payloadAccessor interfaces but do not
// call it.
func (p *MemPacket) SetPayload(b []byte) { p.payload = b }

func (p *MemPacket) transportHeaderLen() int {
	switch {
	case p.tcp != nil:
		return 20 + len(p.tcp.Options)
	case p.udp != nil:
		return 8
	case p.icmp != nil:
		return 8
	default:
		return 0
	}
}

// TransportHeader returns the byte offset of the transport header.
func (p *MemPacket) TransportHeader() int { return p.ihl }

// TransportLength returns the number of bytes from the transport header
// to the end of the packet.
func (p *MemPacket) TransportLength() int {
	return p.transportHeaderLen() + len(p.payload)
}

// IsFirstFragment reports whether this packet should be treated as the
// first (or only) fragment of its datagram.
func (p *MemPacket) IsFirstFragment() bool {
	return !p.notFirstFragment
}

// SetDstIPAnno records the DST_ANNO annotation.
func (p *MemPacket) SetDstIPAnno(a netip.Addr) { p.dstAnno = a }

// DstIPAnno returns the last value recorded via SetDstIPAnno.
func (p *MemPacket) DstIPAnno() netip.Addr { return p.dstAnno }

// SetAnnoU8 stamps a single annotation byte (REPLY_ANNO).
func (p *MemPacket) SetAnnoU8(offset int, b byte) {
	if offset >= 0 && offset < len(p.anno) {
		p.anno[offset] = b
	}
}

// AnnoU8 reads back an annotation byte set via SetAnnoU8.
func (p *MemPacket) AnnoU8(offset int) byte {
	if offset >= 0 && offset < len(p.anno) {
		return p.anno[offset]
	}
	return 0
}

// Kill marks the packet as discarded.
func (p *MemPacket) Kill() { p.killed = true }

// Killed reports whether Kill has been called.
func (p *MemPacket) Killed() bool { return p.killed }

// Uniqueify returns p itself: MemPacket buffers are never aliased
// between callers in this module's tests, so copy-on-write is a no-op.
func (p *MemPacket) Uniqueify() Packet { return p }

// Put grows the payload by n bytes, returning the newly available
// region for the caller to fill in.
func (p *MemPacket) Put(n int) []byte {
	old := len(p.payload)
	p.payload = append(p.payload, make([]byte, n)...)
	return p.payload[old:]
}

// Take shrinks the payload's tail by n bytes.
func (p *MemPacket) Take(n int) {
	if n > len(p.payload) {
		n = len(p.payload)
	}
	p.payload = p.payload[:len(p.payload)-n]
}

// Length returns the total encoded packet length.
func (p *MemPacket) Length() int {
	return p.ihl + p.transportHeaderLen() + len(p.payload)
}

// Data serializes the packet's current header and payload state into a
// single byte slice starting at the IP header, recomputing ip.total_len
// to match the current payload size. It does not recompute checksums;
// callers (Mapping.Apply, FTPHelper) are responsible for that, exactly
// as spec.md's Mapping/FTPHelper algorithms describe.
func (p *MemPacket) Data() []byte {
	p.ip.TotalLen = uint16(p.Length())

	buf := make([]byte, p.Length())
	encodeIPHeader(&p.ip, buf[:20])

	off := p.ihl
	switch {
	case p.tcp != nil:
		encodeTCPHeader(p.tcp, buf[off:off+20+len(p.tcp.Options)])
		off += 20 + len(p.tcp.Options)
	case p.udp != nil:
		encodeUDPHeader(p.udp, buf[off:off+8])
		off += 8
	case p.icmp != nil:
		encodeICMPEcho(p.icmp, buf[off:off+8])
		off += 8
	}

	copy(buf[off:], p.payload)
	return buf
}

func encodeIPHeader(h *IPHeader, b []byte) {
	b[0] = (h.Version << 4) | (h.IHL & 0xf)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsFrag)
	b[8] = h.TTL
	b[9] = uint8(h.Proto)
	binary.BigEndian.PutUint16(b[10:12], h.Check)
	src := h.Src.As4()
	dst := h.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
}

func encodeTCPHeader(h *TCPHeader, b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SPort)
	binary.BigEndian.PutUint16(b[2:4], h.DPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = h.DataOff << 4
	b[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	binary.BigEndian.PutUint16(b[16:18], h.Check)
	binary.BigEndian.PutUint16(b[18:20], h.Urgent)
	copy(b[20:], h.Options)
}

func encodeUDPHeader(h *UDPHeader, b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SPort)
	binary.BigEndian.PutUint16(b[2:4], h.DPort)
	binary.BigEndian.PutUint16(b[4:6], h.ULen)
	binary.BigEndian.PutUint16(b[6:8], h.Check)
}

func encodeICMPEcho(h *ICMPEcho, b []byte) {
	b[0] = h.Type
	b[1] = h.Code
	binary.BigEndian.PutUint16(b[2:4], h.Check)
	binary.BigEndian.PutUint16(b[4:6], h.Identifier)
	binary.BigEndian.PutUint16(b[6:8], h.Seqno)
}
