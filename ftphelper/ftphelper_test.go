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

package ftphelper

import (
	"net/netip"
	"testing"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
	"github.com/natrw/core/rewriter"
)

func mustPattern(t *testing.T, saddr, sport, daddr, dport string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Parse(saddr, sport, daddr, dport)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newControlPacket(payload string) *packet.MemPacket {
	ip := packet.IPHeader{Version: 4, IHL: 5, TTL: 64,
		Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("2.0.0.2")}
	tcp := packet.TCPHeader{SPort: 33000, DPort: 21, Seq: 1000, Ack: 1, DataOff: 5, Flags: packet.TCPFlagACK}
	return packet.NewTCP(ip, tcp, []byte(payload))
}

func flowIDOf(src string, sport uint16, dst string, dport uint16) flowid.ID {
	return flowid.New(netip.MustParseAddr(src), sport, netip.MustParseAddr(dst), dport)
}

func newControlFlow(proto packet.Proto, now time.Time) *flow.Flow {
	fwd := mapping.New(
		flowIDOf("10.0.0.2", 33000, "2.0.0.2", 21),
		flowIDOf("1.0.0.1", 9000, "2.0.0.2", 21),
		0, mapping.Forward)
	rev := mapping.New(
		flowIDOf("2.0.0.2", 21, "1.0.0.1", 9000),
		flowIDOf("2.0.0.2", 21, "10.0.0.2", 33000),
		1, mapping.Reverse)
	return flow.New(proto, fwd, rev, now, 0)
}

func TestHelperRewritesPORTCommandAndInstallsDataFlow(t *testing.T) {
	p := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	h := flowheap.New(1000, nil)
	dataRW := rewriter.New(nil, h, flow.DefaultTimeouts(), func(int, packet.Packet) {})

	helper := New(dataRW, p, 2, 3)

	now := time.Unix(1700000000, 0)
	pkt := newControlPacket("PORT 10,0,0,2,3,9\r\n")
	controlFlow := newControlFlow(packet.ProtoTCP, now)

	oldTotalLen := pkt.IPHeader().TotalLen
	helper.Push(pkt, controlFlow, mapping.Forward, now)

	got := string(pkt.Payload())
	want := "PORT 1,0,0,1,35,40\r\n"
	if got != want {
		t.Fatalf("payload = %q, want %q", got, want)
	}

	if len(dataRW.Table()) != 2 {
		t.Fatalf("expected one data-channel flow installed (forward+reverse keys), got %d table entries", len(dataRW.Table()))
	}

	if pkt.IPHeader().TotalLen == oldTotalLen {
		t.Fatal("expected IP total length to change after payload resize")
	}

	if !controlFlow.Seq.HasTransitions() {
		t.Fatal("expected a sequence-delta transition to be recorded on the control flow")
	}
}

func TestHelperLeavesNonPORTPayloadUnchanged(t *testing.T) {
	p := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	h := flowheap.New(1000, nil)
	dataRW := rewriter.New(nil, h, flow.DefaultTimeouts(), func(int, packet.Packet) {})
	helper := New(dataRW, p, 2, 3)

	now := time.Unix(1700000000, 0)
	pkt := newControlPacket("USER anonymous\r\n")
	controlFlow := newControlFlow(packet.ProtoTCP, now)

	helper.Push(pkt, controlFlow, mapping.Forward, now)

	if string(pkt.Payload()) != "USER anonymous\r\n" {
		t.Fatalf("payload should be untouched, got %q", pkt.Payload())
	}
	if len(dataRW.Table()) != 0 {
		t.Fatal("no data-channel flow should have been installed")
	}
	if controlFlow.Seq.HasTransitions() {
		t.Fatal("no sequence-delta transition should have been recorded")
	}
}

func TestSequenceContinuityAfterPortRewrite(t *testing.T) {
	p := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	h := flowheap.New(1000, nil)
	dataRW := rewriter.New(nil, h, flow.DefaultTimeouts(), func(int, packet.Packet) {})
	helper := New(dataRW, p, 2, 3)

	now := time.Unix(1700000000, 0)
	pkt := newControlPacket("PORT 10,0,0,2,3,9\r\n")
	controlFlow := newControlFlow(packet.ProtoTCP, now)

	oldLen := len("PORT 10,0,0,2,3,9\r\n")
	helper.Push(pkt, controlFlow, mapping.Forward, now)
	newLen := len("PORT 1,0,0,1,35,40\r\n")
	delta := newLen - oldLen

	nextSeq := uint32(1000 + oldLen + 50)
	got := controlFlow.Seq.NewSeq(mapping.Forward, nextSeq)
	want := nextSeq + uint32(delta)
	if got != want {
		t.Fatalf("next forward seq = %d, want %d", got, want)
	}

	ackFromServer := uint32(5000)
	gotAck := controlFlow.Seq.NewAck(mapping.Reverse, ackFromServer)
	wantAck := ackFromServer - uint32(delta)
	if gotAck != wantAck {
		t.Fatalf("server ack = %d, want %d", gotAck, wantAck)
	}
}
