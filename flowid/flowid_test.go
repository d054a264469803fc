package flowid

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReverse(t *testing.T) {
	id := New(
		netip.MustParseAddr("10.0.0.2"), 33000,
		netip.MustParseAddr("2.0.0.2"), 80,
	)

	want := New(
		netip.MustParseAddr("2.0.0.2"), 80,
		netip.MustParseAddr("10.0.0.2"), 33000,
	)

	if diff := cmp.Diff(want, id.Reverse(), cmp.Comparer(func(a, b netip.Addr) bool {
		return a == b
	})); diff != "" {
		t.Fatalf("unexpected reverse (-want +got):\n%s", diff)
	}

	if !id.Reverse().Reverse().Equal(id) {
		t.Fatal("reverse is not an involution")
	}
}

func TestEqual(t *testing.T) {
	a := New(netip.MustParseAddr("10.0.0.2"), 1, netip.MustParseAddr("10.0.0.3"), 2)
	b := New(netip.MustParseAddr("10.0.0.2"), 1, netip.MustParseAddr("10.0.0.3"), 2)
	c := New(netip.MustParseAddr("10.0.0.2"), 3, netip.MustParseAddr("10.0.0.3"), 2)

	if !a.Equal(b) {
		t.Fatal("expected a == b")
	}
	if a.Equal(c) {
		t.Fatal("expected a != c")
	}
}

func TestHalfwordChecksumDeltaIdentity(t *testing.T) {
	h := []uint16{0x0a00, 0x0002}
	if d := HalfwordChecksumDelta(h, h); d != 0 {
		t.Fatalf("identity rewrite should produce zero delta, got %#04x", d)
	}
}
