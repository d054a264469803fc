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

// Package ftphelper implements the inline FTP PORT-command rewriter
// (spec.md §4.6): it watches the control channel for a PORT command,
// allocates a data-channel Mapping in a separate Rewriter, rewrites the
// advertised endpoint in place, and records the resulting byte-length
// change as a sequence-delta transition on the control channel's own
// Flow so later bytes in the stream stay aligned.
//
// Grounded on Click's FTPPortMapper
// (original_source/elements/app/ftpportmapper.cc): the parse grammar,
// the put/memmove/take resize dance, and the IP-checksum-incremental
// / TCP-checksum-full split are all carried over verbatim in spirit.
package ftphelper

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/internal/checksum"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
	"github.com/natrw/core/rewriter"
)

// payloadAccessor is implemented by packet implementations whose
// transport payload can be read/replaced wholesale -- see the same
// interface in rewriter/icmp.go for why this module needs it and what
// it costs: a Packet that doesn't support it simply can't run through
// Helper.
type payloadAccessor interface {
	Payload() []byte
	SetPayload([]byte)
}

// Helper rewrites FTP PORT commands on one control channel, installing
// a matching data-channel Flow in DataRewriter via Pattern.
type Helper struct {
	DataRewriter *rewriter.Rewriter
	Pattern      *pattern.Pattern
	// ForwardOutput/ReverseOutput are the output indices the new
	// data-channel Flow's forward/reverse Mapping emit on.
	ForwardOutput, ReverseOutput int
}

// New returns a Helper allocating data-channel Mappings from p against
// dataRewriter.
func New(dataRewriter *rewriter.Rewriter, p *pattern.Pattern, fout, rout int) *Helper {
	return &Helper{DataRewriter: dataRewriter, Pattern: p, ForwardOutput: fout, ReverseOutput: rout}
}

// Push inspects pkt's TCP payload for a PORT command. If found and a
// data-channel Mapping can be allocated, it rewrites the command in
// place and records the length delta on controlFlow's sequence state
// (direction names which of controlFlow's two Mappings pkt is
// traveling through). In every other case -- no match, parse failure,
// allocation failure, a Packet that can't expose its payload -- pkt is
// left untouched; the caller still emits it normally.
func (h *Helper) Push(pkt packet.Packet, controlFlow *flow.Flow, direction bool, now time.Time) {
	ip := pkt.IPHeader()
	tcp := pkt.TCPHeader()
	if ip == nil || tcp == nil || controlFlow.Seq == nil {
		return
	}
	pa, ok := pkt.(payloadAccessor)
	if !ok {
		return
	}

	body := pa.Payload()
	nums, argOffset, argLen, ok := parsePortCommand(body)
	if !ok {
		return
	}

	srcAddr := [4]byte{byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3])}
	srcPort := uint16(nums[4])<<8 | uint16(nums[5])
	dataDPort := tcp.DPort - 1

	key := flowid.New(netip.AddrFrom4(srcAddr), srcPort, ip.Dst, dataDPort)
	fwd, err := h.DataRewriter.AllocateMapping(h.Pattern, packet.ProtoTCP, key, h.ForwardOutput, h.ReverseOutput, now)
	if err != nil {
		return
	}

	newAddr := fwd.Rewritten.SAddr.As4()
	newPort := fwd.Rewritten.SPort
	newArg := fmt.Sprintf("%d,%d,%d,%d,%d,%d", newAddr[0], newAddr[1], newAddr[2], newAddr[3], newPort>>8, newPort&0xff)

	oldLen := len(body)
	pos := argOffset + argLen
	delta := len(newArg) - argLen

	if delta > 0 {
		pkt.Put(delta)
	}
	body = pa.Payload()
	copy(body[argOffset+len(newArg):], body[pos:oldLen])
	copy(body[argOffset:argOffset+len(newArg)], newArg)
	if delta < 0 {
		pkt.Take(-delta)
	}
	body = pa.Payload()

	oldTotalLen := ip.TotalLen
	ip.TotalLen = uint16(pkt.Length())
	ipDelta := flowid.HalfwordChecksumDelta([]uint16{oldTotalLen}, []uint16{ip.TotalLen})
	addChecksumDelta(&ip.Check, ipDelta)

	tcp.Check = 0
	tcp.Check = checksum.TransportChecksum(ip.Src.As4(), ip.Dst.As4(), uint8(packet.ProtoTCP), tcpSegmentBytes(tcp, body))

	trigger := tcp.Seq + uint32(oldLen)
	controlFlow.Seq.UpdateDelta(direction, trigger, int32(delta))
}

// addChecksumDelta folds a precomputed halfword delta (new minus old)
// into an existing one's-complement checksum field, RFC 1624 style: the
// checksum moves by -delta, added as delta's one's complement -- the
// same update mapping.updateChecksum makes.
func addChecksumDelta(check *uint16, delta uint16) {
	if delta == 0 {
		return
	}
	sum := uint32(*check) + uint32(^delta)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	*check = uint16(sum)
}

// tcpSegmentBytes serializes tcp's fixed header (with its checksum
// field zeroed) plus options plus payload, for a from-scratch checksum
// recompute -- spec.md §4.6 step 5 calls this out as too complex to
// update incrementally, unlike the IP header's single changed field.
func tcpSegmentBytes(tcp *packet.TCPHeader, payload []byte) []byte {
	buf := make([]byte, 20+len(tcp.Options)+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], tcp.SPort)
	binary.BigEndian.PutUint16(buf[2:4], tcp.DPort)
	binary.BigEndian.PutUint32(buf[4:8], tcp.Seq)
	binary.BigEndian.PutUint32(buf[8:12], tcp.Ack)
	buf[12] = tcp.DataOff << 4
	buf[13] = byte(tcp.Flags)
	binary.BigEndian.PutUint16(buf[14:16], tcp.Window)
	// buf[16:18] (checksum) left zero for the recompute.
	binary.BigEndian.PutUint16(buf[18:20], tcp.Urgent)
	copy(buf[20:], tcp.Options)
	copy(buf[20+len(tcp.Options):], payload)
	return buf
}

// parsePortCommand recognizes a case-insensitive "PORT " prefix
// followed by six comma-separated decimal octets and a CR/LF
// terminator, per spec.md §4.6 step 1. It returns the six parsed
// numbers, the offset and length of the numeric argument (excluding
// the terminator, matching Click's port_arg_offset/port_arg_len so the
// terminator itself is left untouched by the resize), and whether the
// payload matched at all.
func parsePortCommand(data []byte) (nums [6]int, argOffset, argLen int, ok bool) {
	n := len(data)
	if n < 5 || !foldEq(data[0], 'P') || !foldEq(data[1], 'O') || !foldEq(data[2], 'R') || !foldEq(data[3], 'T') || data[4] != ' ' {
		return nums, 0, 0, false
	}

	pos := 5
	for pos < n && data[pos] == ' ' {
		pos++
	}
	argOffset = pos

	which := 0
scan:
	for pos < n && which < 6 {
		c := data[pos]
		switch {
		case c >= '0' && c <= '9':
			nums[which] = nums[which]*10 + int(c-'0')
		case c == ',':
			which++
		default:
			break scan
		}
		pos++
	}
	if which != 5 || pos >= n || (data[pos] != '\r' && data[pos] != '\n') {
		return [6]int{}, 0, 0, false
	}
	for _, v := range nums {
		if v >= 256 {
			return [6]int{}, 0, 0, false
		}
	}
	return nums, argOffset, pos - argOffset, true
}

func foldEq(b byte, upper byte) bool {
	return b == upper || b == upper+('a'-'A')
}
