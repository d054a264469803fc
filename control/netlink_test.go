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

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/genetlink/genltest"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/rewriter"
)

// dialTestFamily wires up a genltest connection that answers family
// lookups with Family and everything else with h's Dispatch, the way
// ovsnl's tests fake an OVS kernel module without one being present.
func dialTestFamily(h Handlers) *genetlink.Conn {
	return genltest.Dial(func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
		if nreq.Header.Type == unix.GENL_ID_CTRL && greq.Header.Command == unix.CTRL_CMD_GETFAMILY {
			return []genetlink.Message{{
				Data: mustMarshal(
					netlink.Attribute{Type: unix.CTRL_ATTR_FAMILY_ID, Data: nlenc.Uint16Bytes(1)},
					netlink.Attribute{Type: unix.CTRL_ATTR_FAMILY_NAME, Data: nlenc.Bytes(Family)},
				),
			}}, nil
		}
		return Dispatch(h, greq)
	})
}

func newTestHandlersForNetlink(t *testing.T) *RewriterHandlers {
	t.Helper()
	p := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	h := flowheap.New(10, nil)
	rw := rewriter.New([]rewriter.InputSpec{rewriter.WithPattern(p, 1, 0)}, h, flow.DefaultTimeouts(), func(int, packet.Packet) {})
	now := time.Unix(1700000000, 0)
	rw.Push(0, newOutboundTCP("10.0.0.2", 33000, "2.0.0.2", 80), now)
	return NewRewriterHandlers(rw, h, func() time.Time { return now })
}

func TestNetlinkClientUnknownFamilyReturnsError(t *testing.T) {
	conn := genltest.Dial(func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
		return nil, nil
	})
	if _, err := newNetlinkClient(conn); err == nil {
		t.Fatal("expected an error when Family is absent")
	}
}

func TestNetlinkClientTableAndCounters(t *testing.T) {
	h := newTestHandlersForNetlink(t)
	c, err := newNetlinkClient(dialTestFamily(h))
	if err != nil {
		t.Fatalf("newNetlinkClient: %v", err)
	}

	rows, err := c.Table(0)
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(Table()) = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.TraceID.IsNil() {
			t.Fatalf("row %+v: expected a non-nil TraceID", row)
		}
	}
	if rows[0].TraceID != rows[1].TraceID {
		t.Fatal("expected a flow's forward and reverse table rows to share one TraceID")
	}

	n, failures, size, capacity, err := c.Counters()
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if n != 1 || failures != 0 || size != 1 || capacity != 10 {
		t.Fatalf("Counters() = (%d, %d, %d, %d), want (1, 0, 1, 10)", n, failures, size, capacity)
	}
}

func TestNetlinkClientCapacityClearAndPattern(t *testing.T) {
	h := newTestHandlersForNetlink(t)
	c, err := newNetlinkClient(dialTestFamily(h))
	if err != nil {
		t.Fatalf("newNetlinkClient: %v", err)
	}

	if err := c.SetCapacity(20); err != nil {
		t.Fatalf("SetCapacity: %v", err)
	}
	if got := h.Capacity(); got != 20 {
		t.Fatalf("Capacity() after SetCapacity = %d, want 20", got)
	}

	h.Rewriter.Inputs[0].Raw = "pattern 1.0.0.1 9000 - - 1 0"
	text, err := c.Pattern(0)
	if err != nil {
		t.Fatalf("Pattern: %v", err)
	}
	if text != "pattern 1.0.0.1 9000 - - 1 0" {
		t.Fatalf("Pattern(0) = %q, want the original configuration string", text)
	}

	if err := c.SetPattern(0, "drop"); err != nil {
		t.Fatalf("SetPattern: %v", err)
	}
	if h.Rewriter.Inputs[0].Kind != rewriter.KindDrop {
		t.Fatalf("expected input 0 to become a drop spec, got %+v", h.Rewriter.Inputs[0])
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := h.Size(); got != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", got)
	}
}

func TestNetlinkClientLookup(t *testing.T) {
	h := newTestHandlersForNetlink(t)
	c, err := newNetlinkClient(dialTestFamily(h))
	if err != nil {
		t.Fatalf("newNetlinkClient: %v", err)
	}

	key := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)
	out, ok, err := c.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected a lookup hit for the installed flow")
	}
	if out.SAddr.String() != "1.0.0.1" {
		t.Fatalf("rewritten source = %s, want 1.0.0.1", out.SAddr)
	}
}
