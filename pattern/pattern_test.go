package pattern

import (
	"net/netip"
	"testing"

	"github.com/natrw/core/flowid"
)

func neverUsed(flowid.ID) bool { return false }

func TestParsePlainOutbound(t *testing.T) {
	p, err := Parse("1.0.0.1", "9000-14000", "-", "-")
	if err != nil {
		t.Fatal(err)
	}

	in := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)

	out, decision := p.RewriteFlowID(in, neverUsed)
	if decision != AddMap {
		t.Fatalf("decision = %v, want AddMap", decision)
	}
	if out.SAddr.String() != "1.0.0.1" {
		t.Fatalf("saddr = %s, want 1.0.0.1", out.SAddr)
	}
	if out.SPort < 9000 || out.SPort > 14000 {
		t.Fatalf("sport = %d out of range", out.SPort)
	}
	if out.DAddr != in.DAddr || out.DPort != in.DPort {
		t.Fatalf("dst should pass through unchanged: got %s:%d", out.DAddr, out.DPort)
	}
}

func TestPortExhaustion(t *testing.T) {
	p, err := Parse("1.0.0.1", "9000-9000", "-", "-")
	if err != nil {
		t.Fatal(err)
	}

	in := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)

	used := func(id flowid.ID) bool { return true } // port 9000 already taken

	_, decision := p.RewriteFlowID(in, used)
	if decision != Drop {
		t.Fatalf("decision = %v, want Drop", decision)
	}
}

func TestSequentialAdvancesRotor(t *testing.T) {
	p, err := Parse("1.0.0.1", "9000-9002#", "-", "-")
	if err != nil {
		t.Fatal(err)
	}
	if p.SameFirst {
		t.Fatal("sequential modifier should disable stickiness")
	}

	in := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)

	var seen []uint16
	for i := 0; i < 3; i++ {
		out, decision := p.RewriteFlowID(in, neverUsed)
		if decision != AddMap {
			t.Fatalf("iteration %d: decision = %v", i, decision)
		}
		seen = append(seen, out.SPort)
	}

	if seen[0] != 9000 || seen[1] != 9001 || seen[2] != 9002 {
		t.Fatalf("sequential allocation order = %v, want [9000 9001 9002]", seen)
	}
}

func TestPrefixExcludesNetworkAndBroadcast(t *testing.T) {
	p, err := Parse("10.0.0.0/24", "-", "-", "-")
	if err != nil {
		t.Fatal(err)
	}
	// /24 has 254 usable addresses: .1 through .254.
	if p.VariationTop != 253 {
		t.Fatalf("variation top = %d, want 253", p.VariationTop)
	}
	if p.SAddr.Addr != ([4]byte{10, 0, 0, 1}) {
		t.Fatalf("base = %v, want 10.0.0.1", p.SAddr.Addr)
	}
}

func TestStickiness(t *testing.T) {
	p, err := Parse("1.0.0.1", "9000-9010", "-", "-")
	if err != nil {
		t.Fatal(err)
	}

	in := flowid.New(netip.MustParseAddr("10.0.0.2"), 9005, netip.MustParseAddr("2.0.0.2"), 80)

	out, decision := p.RewriteFlowID(in, neverUsed)
	if decision != AddMap {
		t.Fatal("expected AddMap")
	}
	if out.SPort != 9005 {
		t.Fatalf("expected sticky port 9005, got %d", out.SPort)
	}
}
