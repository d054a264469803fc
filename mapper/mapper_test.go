package mapper

import (
	"net/netip"
	"testing"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/pattern"
)

func neverUsed(flowid.ID) bool { return false }

func mustPattern(t *testing.T, saddr, sport, daddr, dport string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Parse(saddr, sport, daddr, dport)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRoundRobinAdvancesAndWraps(t *testing.T) {
	p1 := mustPattern(t, "1.0.0.1", "9000", "-", "-")
	p2 := mustPattern(t, "1.0.0.2", "9000", "-", "-")
	rr := NewRoundRobin([]*pattern.Pattern{p1, p2})

	in := flowid.New(netip.MustParseAddr("10.0.0.2"), 33000, netip.MustParseAddr("2.0.0.2"), 80)

	out1, d1 := rr.RewriteFlowID(in, neverUsed)
	if d1 != pattern.AddMap || out1.SAddr.String() != "1.0.0.1" {
		t.Fatalf("first call should use p1, got %s/%v", out1.SAddr, d1)
	}

	out2, d2 := rr.RewriteFlowID(in, neverUsed)
	if d2 != pattern.AddMap || out2.SAddr.String() != "1.0.0.2" {
		t.Fatalf("second call should use p2, got %s/%v", out2.SAddr, d2)
	}

	out3, d3 := rr.RewriteFlowID(in, neverUsed)
	if d3 != pattern.AddMap || out3.SAddr.String() != "1.0.0.1" {
		t.Fatalf("third call should wrap back to p1, got %s/%v", out3.SAddr, d3)
	}
}

func TestConsistentHashStabilityOnAddingBackend(t *testing.T) {
	backends3 := []*pattern.Pattern{
		mustPattern(t, "1.0.0.1", "9000", "-", "-"),
		mustPattern(t, "1.0.0.2", "9000", "-", "-"),
		mustPattern(t, "1.0.0.3", "9000", "-", "-"),
	}
	sources := []string{"10.0.0.5", "10.0.0.6", "10.0.0.7", "10.0.0.8", "10.0.0.9"}

	ch3 := NewConsistentHash(backends3, 100, 42)

	before := make(map[string]string)
	for _, s := range sources {
		in := flowid.New(netip.MustParseAddr(s), 33000, netip.MustParseAddr("2.0.0.2"), 80)
		out, _ := ch3.RewriteFlowID(in, neverUsed)
		before[s] = out.SAddr.String()
	}

	backends4 := append(append([]*pattern.Pattern{}, backends3...),
		mustPattern(t, "1.0.0.4", "9000", "-", "-"))
	ch4 := NewConsistentHash(backends4, 100, 42)

	unchanged := 0
	for _, s := range sources {
		in := flowid.New(netip.MustParseAddr(s), 33000, netip.MustParseAddr("2.0.0.2"), 80)
		out, _ := ch4.RewriteFlowID(in, neverUsed)
		if out.SAddr.String() == before[s] {
			unchanged++
		}
	}

	if unchanged < 2 {
		t.Fatalf("expected at least 2/%d source bindings to remain stable, got %d", len(sources), unchanged)
	}
}
