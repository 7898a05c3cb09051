// Package decode strips link, network, and transport headers from
// captured frames, yielding the transport payload and its 4-tuple.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/quillon/dnsmon/internal/pdns/domain"
)

var (
	// ErrTruncated marks a frame whose captured bytes end before the
	// headers do.
	ErrTruncated = errors.New("truncated frame")

	// ErrNotTransport marks a frame whose L4 protocol is neither UDP
	// nor TCP, or whose L3 is unsupported.
	ErrNotTransport = errors.New("not a udp or tcp frame")
)

// Decoder turns captured frames into transport segments. It is bound to
// the datalink type the capture source reports, so a handle on the
// "any" pseudo-device (Linux cooked encapsulation) decodes as reliably
// as raw Ethernet.
type Decoder struct {
	linkType layers.LinkType
}

// New creates a Decoder for the given datalink type. Unsupported link
// types are refused up front rather than misparsed frame by frame.
func New(linkType layers.LinkType) (*Decoder, error) {
	switch linkType {
	case layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL,
		layers.LinkTypeNull, layers.LinkTypeLoop, layers.LinkTypeRaw:
		return &Decoder{linkType: linkType}, nil
	default:
		return nil, fmt.Errorf("unsupported datalink type %s", linkType)
	}
}

// Decode strips the layered headers from one frame. IPv6 extension
// headers are walked through to reach the transport header. The TCP
// length prefix (RFC 1035 §4.2.2) is stripped when it frames the
// payload exactly; segments are otherwise passed through standalone.
func (d *Decoder) Decode(frame domain.CapturedFrame) (domain.TransportSegment, error) {
	pkt := gopacket.NewPacket(frame.Data, d.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		if pkt.ErrorLayer() != nil {
			return domain.TransportSegment{}, ErrTruncated
		}
		return domain.TransportSegment{}, ErrNotTransport
	}

	var (
		proto    domain.Protocol
		srcPort  uint16
		dstPort  uint16
		payload  []byte
	)

	switch t := pkt.TransportLayer().(type) {
	case *layers.UDP:
		proto = domain.ProtocolUDP
		srcPort = uint16(t.SrcPort)
		dstPort = uint16(t.DstPort)
		payload = t.Payload
	case *layers.TCP:
		proto = domain.ProtocolTCP
		srcPort = uint16(t.SrcPort)
		dstPort = uint16(t.DstPort)
		payload = stripTCPLengthPrefix(t.Payload)
	default:
		if pkt.ErrorLayer() != nil {
			return domain.TransportSegment{}, ErrTruncated
		}
		return domain.TransportSegment{}, ErrNotTransport
	}

	flow := netLayer.NetworkFlow()
	src, ok := netip.AddrFromSlice(flow.Src().Raw())
	if !ok {
		return domain.TransportSegment{}, ErrTruncated
	}
	dst, ok := netip.AddrFromSlice(flow.Dst().Raw())
	if !ok {
		return domain.TransportSegment{}, ErrTruncated
	}

	return domain.NewTransportSegment(proto, src, dst, srcPort, dstPort, payload)
}

// stripTCPLengthPrefix removes the two-byte message length that frames
// DNS over TCP, but only when it matches the segment exactly. Partial
// segments keep their bytes and fail downstream parsing instead.
func stripTCPLengthPrefix(payload []byte) []byte {
	if len(payload) < 2 {
		return payload
	}
	if int(binary.BigEndian.Uint16(payload[:2])) == len(payload)-2 {
		return payload[2:]
	}
	return payload
}
