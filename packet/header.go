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

// Package packet defines the packet/header abstraction the rewriter
// core consumes (spec.md §6). Header parsing, checksum primitives, and
// device I/O are out of this module's scope; this package only fixes
// the bit-exact wire layout so the rewriter core can read and mutate
// fields in place, plus a MemPacket reference implementation used by
// tests.
package packet

import "net/netip"

// Proto identifies the IP protocol number of interest to the rewriter.
type Proto uint8

// Protocol numbers the rewriter core understands.
const (
	ProtoICMP Proto = 1
	ProtoTCP  Proto = 6
	ProtoUDP  Proto = 17
)

// IPHeader is the bit-exact layout of an IPv4 header, fields in host
// byte order once decoded by the (external) parsing helper.
type IPHeader struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	TotalLen   uint16
	ID         uint16
	FlagsFrag  uint16
	TTL        uint8
	Proto      Proto
	Check      uint16
	Src        netip.Addr
	Dst        netip.Addr
}

// MoreFragments reports whether the IP header's MF flag is set.
func (h *IPHeader) MoreFragments() bool { return h.FlagsFrag&0x2000 != 0 }

// FragOffset returns the 13-bit fragment offset, in 8-byte units.
func (h *IPHeader) FragOffset() uint16 { return h.FlagsFrag & 0x1fff }

// IsFirstFragment reports whether this packet is the first fragment of
// its datagram (offset 0), or an unfragmented datagram.
func (h *IPHeader) IsFirstFragment() bool { return h.FragOffset() == 0 }

// TCPFlags are the single-bit control flags of a TCP header.
type TCPFlags uint8

// TCP flag bits.
const (
	TCPFlagFIN TCPFlags = 1 << 0
	TCPFlagSYN TCPFlags = 1 << 1
	TCPFlagRST TCPFlags = 1 << 2
	TCPFlagPSH TCPFlags = 1 << 3
	TCPFlagACK TCPFlags = 1 << 4
	TCPFlagURG TCPFlags = 1 << 5
)

// Has reports whether all bits in mask are set.
func (f TCPFlags) Has(mask TCPFlags) bool { return f&mask == mask }

// TCPHeader is the bit-exact layout of a TCP header; Options carries the
// raw option bytes, within which SACKBlockOffsets locates SACK blocks.
type TCPHeader struct {
	SPort   uint16
	DPort   uint16
	Seq     uint32
	Ack     uint32
	DataOff uint8 // in 32-bit words, including options
	Flags   TCPFlags
	Window  uint16
	Check   uint16
	Urgent  uint16
	// Options holds the raw option bytes following the fixed 20-byte
	// header, including any SACK blocks (option kind 5).
	Options []byte
}

// UDPHeader is the bit-exact layout of a UDP header.
type UDPHeader struct {
	SPort uint16
	DPort uint16
	ULen  uint16
	Check uint16
}

// ICMPEcho is the bit-exact layout of an ICMP echo request/reply header.
type ICMPEcho struct {
	Type       uint8
	Code       uint8
	Check      uint16
	Identifier uint16
	Seqno      uint16
}

// ICMP types relevant to the error-rewriting path (spec.md §4.4).
const (
	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
	ICMPTypeUnreachable uint8 = 3
	ICMPTypeSourceQuench uint8 = 4
	ICMPTypeRedirect    uint8 = 5
	ICMPTypeTTLExceeded uint8 = 11
	ICMPTypeParamProb   uint8 = 12
)

// IsError reports whether t is one of the ICMP error types that carry
// an embedded copy of the offending IP header + first 8 payload bytes.
func IsError(t uint8) bool {
	switch t {
	case ICMPTypeUnreachable, ICMPTypeSourceQuench, ICMPTypeRedirect, ICMPTypeTTLExceeded, ICMPTypeParamProb:
		return true
	default:
		return false
	}
}

// SACKOptionKind is the TCP option kind byte identifying a Selective-ACK
// block list.
const SACKOptionKind = 5
