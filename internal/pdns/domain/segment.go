package domain

import (
	"fmt"
	"net/netip"
)

// Protocol identifies the transport protocol of a decoded segment.
type Protocol uint8

const (
	ProtocolOther Protocol = iota
	ProtocolUDP
	ProtocolTCP
)

// String returns the textual representation of the Protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "other"
	}
}

// TransportSegment is the decoder's output: one transport payload plus
// the 4-tuple it traveled on. Segments with ProtocolOther never leave
// the decoder.
type TransportSegment struct {
	Protocol Protocol
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Payload  []byte
}

// NewTransportSegment constructs a TransportSegment and validates its fields.
func NewTransportSegment(proto Protocol, src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) (TransportSegment, error) {
	s := TransportSegment{
		Protocol: proto,
		SrcIP:    src,
		DstIP:    dst,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Payload:  payload,
	}
	if err := s.Validate(); err != nil {
		return TransportSegment{}, err
	}
	return s, nil
}

// Validate checks whether the segment fields are structurally valid.
func (s TransportSegment) Validate() error {
	if s.Protocol != ProtocolUDP && s.Protocol != ProtocolTCP {
		return fmt.Errorf("unsupported transport protocol: %d", s.Protocol)
	}
	if !s.SrcIP.IsValid() {
		return fmt.Errorf("source address is not valid")
	}
	if !s.DstIP.IsValid() {
		return fmt.Errorf("destination address is not valid")
	}
	return nil
}

// TouchesPort reports whether either side of the 4-tuple uses the given
// port. Used for the port53 counter.
func (s TransportSegment) TouchesPort(port uint16) bool {
	return s.SrcPort == port || s.DstPort == port
}
