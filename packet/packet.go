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

import "net/netip"

// A Packet is the external packet abstraction the rewriter core
// consumes (spec.md §6). Implementations are supplied by the graph
// scheduler / device I/O layer; this module never constructs one except
// through the MemPacket reference implementation used in tests.
type Packet interface {
	// Data returns the full packet buffer, starting at the IP header.
	Data() []byte
	// Length returns len(Data()).
	Length() int

	// IPHeader returns the parsed IPv4 header, or nil if the packet is
	// not IP.
	IPHeader() *IPHeader
	// TransportHeader returns the byte offset of the transport header
	// within Data().
	TransportHeader() int
	// TransportLength returns the number of bytes from TransportHeader
	// to the end of the packet.
	TransportLength() int
	// IsFirstFragment reports whether this packet is the first (or
	// only) fragment of its IP datagram.
	IsFirstFragment() bool

	// TCPHeader returns the packet's TCP header, or nil if it is not a
	// TCP segment. This and the two accessors below are a Go-native
	// extension of spec.md §6's packet abstraction: the original
	// describes header access through pointer overlay onto the packet
	// buffer, which Go cannot express without unsafe; returning typed,
	// mutable header structs gives Mapping.Apply the same in-place
	// mutation semantics.
	TCPHeader() *TCPHeader
	// UDPHeader returns the packet's UDP header, or nil if it is not a
	// UDP datagram.
	UDPHeader() *UDPHeader
	// ICMPHeader returns the packet's ICMP echo header, or nil if it is
	// not an ICMP echo request/reply.
	ICMPHeader() *ICMPEcho

	// SetDstIPAnno records an out-of-band annotation carrying the
	// post-rewrite destination address, for elements further down the
	// graph that need it without re-parsing (DST_ANNO keyword, spec.md §6).
	SetDstIPAnno(netip.Addr)
	// SetAnnoU8 stamps a single annotation byte at offset (REPLY_ANNO
	// keyword, spec.md §4.2).
	SetAnnoU8(offset int, b byte)
	// AnnoU8 reads back an annotation byte set via SetAnnoU8, used to
	// capture a client-supplied tag off the triggering forward packet
	// before it is overwritten on the reply path (REPLY_ANNO keyword).
	AnnoU8(offset int) byte

	// Kill discards the packet; no further processing occurs.
	Kill()
	// Uniqueify returns a packet with its own, unshared buffer,
	// performing a copy-on-write if the buffer is currently shared.
	Uniqueify() Packet
	// Put grows the packet's tail by n bytes, returning the newly
	// available region.
	Put(n int) []byte
	// Take shrinks the packet's tail by n bytes.
	Take(n int)
}
