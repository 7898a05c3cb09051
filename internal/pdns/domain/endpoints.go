package domain

import "net/netip"

// EndpointRoles assigns the client and server roles to the two ends of
// a transport 4-tuple. The roles depend on the message direction, not
// on which side sent the captured frame.
type EndpointRoles struct {
	ServerIP   netip.Addr
	ServerPort uint16
	ClientIP   netip.Addr
	ClientPort uint16
}

// NormalizeEndpoints derives the endpoint roles from a segment and the
// message it carried. An answer (QR=1) travels server to client, so the
// source is the server; a question (QR=0) travels client to server, so
// the destination is the server.
func NormalizeEndpoints(seg TransportSegment, msg DNSMessage) EndpointRoles {
	if msg.QR {
		return EndpointRoles{
			ServerIP:   seg.SrcIP,
			ServerPort: seg.SrcPort,
			ClientIP:   seg.DstIP,
			ClientPort: seg.DstPort,
		}
	}
	return EndpointRoles{
		ServerIP:   seg.DstIP,
		ServerPort: seg.DstPort,
		ClientIP:   seg.SrcIP,
		ClientPort: seg.SrcPort,
	}
}
