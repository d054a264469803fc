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

// Package flowid defines the 4-tuple flow identifier shared by the
// pattern, mapping, flow, and rewriter packages.
package flowid

import (
	"fmt"
	"net/netip"
)

// An ID is an immutable 4-tuple flow identifier: source address/port and
// destination address/port, in network byte order semantics (addresses
// are compared and hashed as their 4-byte IPv4 form). Two IDs are equal
// only if all four fields match.
type ID struct {
	SAddr netip.Addr
	SPort uint16
	DAddr netip.Addr
	DPort uint16
}

// New builds an ID from its four fields. Addresses must be 4-in-6 or
// plain IPv4; callers that only have 4-byte slices should use
// netip.AddrFrom4.
func New(saddr netip.Addr, sport uint16, daddr netip.Addr, dport uint16) ID {
	return ID{SAddr: saddr, SPort: sport, DAddr: daddr, DPort: dport}
}

// Reverse swaps source and destination, producing the ID that the
// opposite-direction packet of the same flow would carry.
func (id ID) Reverse() ID {
	return ID{SAddr: id.DAddr, SPort: id.DPort, DAddr: id.SAddr, DPort: id.SPort}
}

// Equal reports whether id and other address the same 4-tuple.
func (id ID) Equal(other ID) bool {
	return id.SPort == other.SPort &&
		id.DPort == other.DPort &&
		id.SAddr == other.SAddr &&
		id.DAddr == other.DAddr
}

// String renders the ID in "saddr:sport -> daddr:dport" form, useful for
// log lines and the "table" control handler.
func (id ID) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", id.SAddr, id.SPort, id.DAddr, id.DPort)
}

// HalfwordChecksumDelta computes the 16-bit one's-complement checksum
// delta between two sets of halfwords, as used to incrementally update
// ip.check (over the 4 address halfwords) or the TCP/UDP pseudo-header
// checksum (over the 6 address+port halfwords) after a Mapping rewrites
// a packet's addresses and ports. This is the one piece of "checksum
// primitive" logic that the rewriter core owns directly, since the
// delta itself -- not just the underlying fold -- is part of the
// Mapping's precomputed state (spec.md §4.2).
func HalfwordChecksumDelta(oldHalfwords, newHalfwords []uint16) uint16 {
	var sum int32
	for _, h := range oldHalfwords {
		sum -= int32(h)
	}
	for _, h := range newHalfwords {
		sum += int32(h)
	}
	return foldChecksum(sum)
}

// foldChecksum folds a signed 32-bit partial checksum accumulator into
// a 16-bit one's-complement delta, handling the sign and end-around
// carry the way the IP checksum algorithm requires.
func foldChecksum(sum int32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if sum < 0 {
		sum += 0xffff
	}
	return uint16(sum)
}

// AddrHalfwords splits a 4-byte IPv4 address into its two big-endian
// 16-bit halfwords, as required by HalfwordChecksumDelta.
func AddrHalfwords(a netip.Addr) [2]uint16 {
	b := a.As4()
	return [2]uint16{
		uint16(b[0])<<8 | uint16(b[1]),
		uint16(b[2])<<8 | uint16(b[3]),
	}
}
