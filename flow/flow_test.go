package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
)

func newTCPFlow(t *testing.T) *Flow {
	t.Helper()
	orig := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)
	rewritten := flowid.New(netip.MustParseAddr("1.0.0.1"), 9000, netip.MustParseAddr("2.0.0.2"), 80)

	fwd := mapping.New(orig, rewritten, 0, mapping.Forward)
	rev := mapping.New(rewritten.Reverse(), orig.Reverse(), 1, mapping.Reverse)

	return New(packet.ProtoTCP, fwd, rev, time.Unix(0, 0), DefaultTimeouts().TCPNoData)
}

func TestFlowRSTClosesBothDirections(t *testing.T) {
	f := newTCPFlow(t)

	pkt := packet.NewTCP(
		packet.IPHeader{Version: 4, IHL: 5, Proto: packet.ProtoTCP,
			Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("2.0.0.2")},
		packet.TCPHeader{SPort: 33000, DPort: 80, Seq: 1, Ack: 1, DataOff: 5, Flags: packet.TCPFlagRST},
		nil,
	)

	f.Apply(pkt, mapping.Forward, DefaultTimeouts())
	if !f.ForwardDone || !f.ReverseDone {
		t.Fatal("RST must set both done bits")
	}
}

func TestFlowTimeoutSelection(t *testing.T) {
	f := newTCPFlow(t)
	timeouts := DefaultTimeouts()

	if got := f.tcpTimeout(timeouts); got != timeouts.TCPNoData {
		t.Fatalf("fresh flow timeout = %v, want tcp_nodata %v", got, timeouts.TCPNoData)
	}

	f.ForwardData = true
	if got := f.tcpTimeout(timeouts); got != timeouts.TCPData {
		t.Fatalf("data-seen flow timeout = %v, want tcp_data %v", got, timeouts.TCPData)
	}

	f.ForwardDone = true
	f.ReverseDone = true
	if got := f.tcpTimeout(timeouts); got != timeouts.TCPDone {
		t.Fatalf("both-done flow timeout = %v, want tcp_done %v", got, timeouts.TCPDone)
	}
}

func TestFlowGuaranteeAddsOnTop(t *testing.T) {
	f := newTCPFlow(t)
	f.Guaranteed = true

	timeouts := DefaultTimeouts()
	timeouts.Guarantee = 60 * time.Second

	want := timeouts.TCPNoData + timeouts.Guarantee
	if got := f.tcpTimeout(timeouts); got != want {
		t.Fatalf("guaranteed timeout = %v, want %v", got, want)
	}
}

func TestFlowApplyRewritesPacketThroughCorrectMapping(t *testing.T) {
	f := newTCPFlow(t)

	pkt := packet.NewTCP(
		packet.IPHeader{Version: 4, IHL: 5, Proto: packet.ProtoTCP,
			Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("2.0.0.2")},
		packet.TCPHeader{SPort: 33000, DPort: 80, Seq: 1, Ack: 1, DataOff: 5},
		nil,
	)

	f.Apply(pkt, mapping.Forward, DefaultTimeouts())

	if pkt.IPHeader().Src.String() != "1.0.0.1" {
		t.Fatalf("src = %s, want 1.0.0.1", pkt.IPHeader().Src)
	}
	if pkt.TCPHeader().SPort != 9000 {
		t.Fatalf("sport = %d, want 9000", pkt.TCPHeader().SPort)
	}
}
