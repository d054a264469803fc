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

package control

import (
	"net/netip"
	"testing"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/flowid"
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

func newOutboundTCP(src string, sport uint16, dst string, dport uint16) *packet.MemPacket {
	ip := packet.IPHeader{Version: 4, IHL: 5, TTL: 64, Src: netip.MustParseAddr(src), Dst: netip.MustParseAddr(dst)}
	tcp := packet.TCPHeader{SPort: sport, DPort: dport, DataOff: 5, Flags: packet.TCPFlagSYN}
	return packet.NewTCP(ip, tcp, nil)
}

func newTestHandlers(t *testing.T) (*RewriterHandlers, *rewriter.Rewriter) {
	t.Helper()
	p := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	h := flowheap.New(10, nil)
	rw := rewriter.New([]rewriter.InputSpec{rewriter.WithPattern(p, 1, 0)}, h, flow.DefaultTimeouts(), func(int, packet.Packet) {})

	now := time.Unix(1700000000, 0)
	rw.Push(0, newOutboundTCP("10.0.0.2", 33000, "2.0.0.2", 80), now)

	return NewRewriterHandlers(rw, h, func() time.Time { return now }), rw
}

func TestHandlersReportCountersAndTable(t *testing.T) {
	c, _ := newTestHandlers(t)

	if got := c.NMappings(); got != 1 {
		t.Fatalf("NMappings() = %d, want 1", got)
	}
	if got := c.MappingFailures(); got != 0 {
		t.Fatalf("MappingFailures() = %d, want 0", got)
	}
	if got := c.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1", got)
	}
	if got := len(c.TCPTable()); got != 2 {
		t.Fatalf("len(TCPTable()) = %d, want 2 (forward + reverse key)", got)
	}
	if got := len(c.UDPTable()); got != 0 {
		t.Fatalf("len(UDPTable()) = %d, want 0", got)
	}
}

func TestHandlersCapacityAndClear(t *testing.T) {
	c, rw := newTestHandlers(t)

	if got := c.Capacity(); got != 10 {
		t.Fatalf("Capacity() = %d, want 10", got)
	}
	c.SetCapacity(20)
	if got := c.Capacity(); got != 20 {
		t.Fatalf("Capacity() after SetCapacity = %d, want 20", got)
	}

	c.Clear()
	if got := c.Size(); got != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", got)
	}
	if got := len(rw.Table()); got != 0 {
		t.Fatalf("rewriter table entries after Clear = %d, want 0", got)
	}
}

func TestHandlersPatternReadWrite(t *testing.T) {
	c, rw := newTestHandlers(t)
	rw.Inputs[0].Raw = "pattern 1.0.0.1 9000 - - 1 0"

	got, err := c.Pattern(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "pattern 1.0.0.1 9000 - - 1 0" {
		t.Fatalf("Pattern(0) = %q, want the original configuration string", got)
	}

	if err := c.SetPattern(0, "drop"); err != nil {
		t.Fatal(err)
	}
	if rw.Inputs[0].Kind != rewriter.KindDrop {
		t.Fatalf("expected input 0 to become a drop spec, got %+v", rw.Inputs[0])
	}
}

func TestHandlersLookup(t *testing.T) {
	c, _ := newTestHandlers(t)

	key := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)
	out, ok := c.Lookup(key)
	if !ok {
		t.Fatal("expected a lookup hit for the installed flow")
	}
	if out.SAddr.String() != "1.0.0.1" {
		t.Fatalf("rewritten source = %s, want 1.0.0.1", out.SAddr)
	}
}
