package packet

import (
	"net/netip"
	"testing"
)

func TestMemPacketTCPRoundTrip(t *testing.T) {
	p := NewTCP(
		IPHeader{Version: 4, IHL: 5, TTL: 64, Src: netip.MustParseAddr("10.0.0.2"), Dst: netip.MustParseAddr("2.0.0.2")},
		TCPHeader{SPort: 33000, DPort: 80, Seq: 1000, DataOff: 5},
		[]byte("hello"),
	)

	data := p.Data()
	if got, want := int(data[0]>>4), 4; got != want {
		t.Fatalf("version = %d, want %d", got, want)
	}
	if got, want := data[9], uint8(ProtoTCP); got != want {
		t.Fatalf("proto = %d, want %d", got, want)
	}
	if p.TransportHeader() != 20 {
		t.Fatalf("transport header offset = %d, want 20", p.TransportHeader())
	}
	if p.TransportLength() != 20+len("hello") {
		t.Fatalf("transport length = %d", p.TransportLength())
	}
}

func TestMemPacketPutTake(t *testing.T) {
	p := NewTCP(IPHeader{Src: netip.MustParseAddr("1.2.3.4"), Dst: netip.MustParseAddr("5.6.7.8")}, TCPHeader{DataOff: 5}, []byte("abc"))

	grown := p.Put(3)
	copy(grown, "def")
	if string(p.Payload()) != "abcdef" {
		t.Fatalf("payload = %q", p.Payload())
	}

	p.Take(2)
	if string(p.Payload()) != "abcd" {
		t.Fatalf("payload after take = %q", p.Payload())
	}
}

func TestSACKBlockOffsets(t *testing.T) {
	opts := make([]byte, 10)
	opts[0] = SACKOptionKind
	opts[1] = 10
	WriteUint32(opts, 2, 100)
	WriteUint32(opts, 6, 200)

	offs := SACKBlockOffsets(opts)
	if len(offs) != 2 || offs[0] != 2 || offs[1] != 6 {
		t.Fatalf("unexpected offsets: %v", offs)
	}
}
