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
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/packet"
)

func TestEchoRewriterInstallsAndRewritesReply(t *testing.T) {
	p := mustPattern(t, "1.0.0.1", "-", "-", "-")
	r := NewEchoRewriter([]InputSpec{WithPattern(p, 1, 0)}, 30*time.Second, nil)

	var emitted []int
	r.Emit = func(out int, pkt packet.Packet) { emitted = append(emitted, out) }

	now := time.Unix(1700000000, 0)
	ip := packet.IPHeader{Version: 4, IHL: 5, TTL: 64,
		Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("2.0.0.2")}
	req := packet.NewICMPEcho(ip, packet.ICMPEcho{Type: packet.ICMPTypeEchoRequest, Identifier: 42}, nil)
	r.Push(0, req, now)

	if len(emitted) != 1 || emitted[0] != 1 {
		t.Fatalf("expected request emitted on output 1, got %+v", emitted)
	}
	if req.IPHeader().Src.String() != "1.0.0.1" {
		t.Fatalf("request src not rewritten: %s", req.IPHeader().Src)
	}

	emitted = nil
	replyIP := packet.IPHeader{Version: 4, IHL: 5, TTL: 64,
		Src: netip.MustParseAddr("2.0.0.2"), Dst: netip.MustParseAddr("1.0.0.1")}
	reply := packet.NewICMPEcho(replyIP, packet.ICMPEcho{Type: packet.ICMPTypeEchoReply, Identifier: req.ICMPHeader().Identifier}, nil)
	r.Push(0, reply, now)

	if len(emitted) != 1 || emitted[0] != 0 {
		t.Fatalf("expected reply emitted on output 0, got %+v", emitted)
	}
	if reply.IPHeader().Dst.String() != "10.0.0.2" {
		t.Fatalf("reply dst not rewritten back to client: %s", reply.IPHeader().Dst)
	}
	if reply.ICMPHeader().Identifier != 42 {
		t.Fatalf("reply identifier not rewritten back: %d", reply.ICMPHeader().Identifier)
	}
}

func TestEchoRewriterDropsUnmappedReplyByDefault(t *testing.T) {
	r := NewEchoRewriter([]InputSpec{Drop()}, 30*time.Second, func(int, packet.Packet) {})
	ip := packet.IPHeader{Version: 4, IHL: 5, Src: netip.MustParseAddr("2.0.0.2"), Dst: netip.MustParseAddr("1.0.0.1")}
	reply := packet.NewICMPEcho(ip, packet.ICMPEcho{Type: packet.ICMPTypeEchoReply, Identifier: 99}, nil)
	r.Push(0, reply, time.Unix(0, 0))
	if !reply.Killed() {
		t.Fatal("expected unmapped reply to be dropped when PassUnmapped is unset")
	}
}

func TestICMPRewriterRewritesEmbeddedHeader(t *testing.T) {
	p := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	h := flowheap.New(1000, nil)
	dataRW := New([]InputSpec{WithPattern(p, 1, 0)}, h, flow.DefaultTimeouts(), func(int, packet.Packet) {})

	now := time.Unix(1700000000, 0)
	original := newOutboundTCP("10.0.0.2", 33000, "2.0.0.2", 80, 1000)
	dataRW.Push(0, original, now)

	embedded := make([]byte, 28)
	embedded[0] = 0x45
	src := netip.MustParseAddr("1.0.0.1").As4()
	dst := netip.MustParseAddr("2.0.0.2").As4()
	copy(embedded[12:16], src[:])
	copy(embedded[16:20], dst[:])
	binary.BigEndian.PutUint16(embedded[20:22], original.TCPHeader().SPort)
	binary.BigEndian.PutUint16(embedded[22:24], 80)

	ip := packet.IPHeader{Version: 4, IHL: 5, Src: netip.MustParseAddr("2.0.0.2"), Dst: netip.MustParseAddr("1.0.0.1")}
	errPkt := packet.NewICMPEcho(ip, packet.ICMPEcho{Type: packet.ICMPTypeTTLExceeded}, embedded)

	emittedOn := -1
	icmpRW := NewICMPRewriter([]ReverseLookup{dataRW}, func(out int, _ packet.Packet) { emittedOn = out })
	icmpRW.Push(2, errPkt)

	if emittedOn != 2 {
		t.Fatalf("expected emit on output 2, got %d", emittedOn)
	}
	got := errPkt.Payload()
	if got[12] != 10 || got[13] != 0 || got[14] != 0 || got[15] != 2 {
		t.Fatalf("embedded src address not rewritten back to client: %v", got[12:16])
	}
	gotSPort := binary.BigEndian.Uint16(got[20:22])
	if gotSPort != 33000 {
		t.Fatalf("embedded source port not rewritten back to client port: %d", gotSPort)
	}
}
