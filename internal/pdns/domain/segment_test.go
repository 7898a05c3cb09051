package domain

import (
	"net/netip"
	"testing"
)

func TestNewTransportSegment_Valid(t *testing.T) {
	seg, err := NewTransportSegment(
		ProtocolTCP,
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("2001:db8::2"),
		1234, 53, []byte{0x01},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seg.Protocol != ProtocolTCP {
		t.Errorf("expected tcp, got %v", seg.Protocol)
	}
}

func TestNewTransportSegment_RejectsOther(t *testing.T) {
	_, err := NewTransportSegment(
		ProtocolOther,
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		0, 0, nil,
	)
	if err == nil {
		t.Fatal("expected error for non-transport protocol, got nil")
	}
}

func TestNewTransportSegment_RejectsInvalidAddrs(t *testing.T) {
	_, err := NewTransportSegment(ProtocolUDP, netip.Addr{}, netip.MustParseAddr("10.0.0.2"), 1, 2, nil)
	if err == nil {
		t.Fatal("expected error for invalid source address, got nil")
	}
	_, err = NewTransportSegment(ProtocolUDP, netip.MustParseAddr("10.0.0.1"), netip.Addr{}, 1, 2, nil)
	if err == nil {
		t.Fatal("expected error for invalid destination address, got nil")
	}
}

func TestTouchesPort(t *testing.T) {
	seg := TransportSegment{SrcPort: 54321, DstPort: 53}
	if !seg.TouchesPort(53) {
		t.Error("expected dst port 53 to match")
	}
	if !seg.TouchesPort(54321) {
		t.Error("expected src port to match")
	}
	if seg.TouchesPort(80) {
		t.Error("port 80 should not match")
	}
}

func TestProtocolString(t *testing.T) {
	cases := map[Protocol]string{
		ProtocolUDP:   "udp",
		ProtocolTCP:   "tcp",
		ProtocolOther: "other",
		Protocol(99):  "other",
	}
	for proto, want := range cases {
		if got := proto.String(); got != want {
			t.Errorf("Protocol(%d).String() = %q, want %q", proto, got, want)
		}
	}
}
