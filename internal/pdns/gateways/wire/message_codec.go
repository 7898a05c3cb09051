package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/quillon/dnsmon/internal/pdns/common/utils"
	"github.com/quillon/dnsmon/internal/pdns/domain"
)

// ErrMalformed is returned for any payload that does not parse as a DNS
// message. Callers count and drop; they never see partial messages.
var ErrMalformed = errors.New("malformed dns message")

const (
	headerLen = 12

	// maxPointerHops bounds compression-pointer chains so crafted
	// messages cannot loop the name decoder.
	maxPointerHops = 32

	// maxNameLen is the RFC 1035 limit on a full domain name.
	maxNameLen = 255
)

// messageCodec implements Codec for standard RFC 1035 wire format.
type messageCodec struct{}

// NewMessageCodec returns a Codec for standard DNS messages.
func NewMessageCodec() Codec {
	return &messageCodec{}
}

// Decode parses a full DNS message: header, question section, and the
// resource record sections. Record data is walked for well-formedness
// but not interpreted; analyzers that care receive the raw bytes.
func (c *messageCodec) Decode(data []byte) (domain.DNSMessage, error) {
	if len(data) < headerLen {
		return domain.DNSMessage{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	flags := binary.BigEndian.Uint16(data[2:4])
	msg := domain.DNSMessage{
		ID:               binary.BigEndian.Uint16(data[0:2]),
		QR:               flags&0x8000 != 0,
		Opcode:           uint8(flags >> 11 & 0xF),
		Authoritative:    flags&0x0400 != 0,
		Truncated:        flags&0x0200 != 0,
		RecursionDesired: flags&0x0100 != 0,
		RCode:            domain.RCode(flags & 0x000F),
		Raw:              data,
	}

	qdCount := binary.BigEndian.Uint16(data[4:6])
	msg.AnswerCount = binary.BigEndian.Uint16(data[6:8])
	msg.AuthorityCount = binary.BigEndian.Uint16(data[8:10])
	msg.AdditionalCount = binary.BigEndian.Uint16(data[10:12])

	offset := headerLen

	msg.Questions = make([]domain.Question, 0, qdCount)
	for i := 0; i < int(qdCount); i++ {
		name, next, err := decodeName(data, offset)
		if err != nil {
			return domain.DNSMessage{}, fmt.Errorf("%w: question %d: %v", ErrMalformed, i, err)
		}
		if next+4 > len(data) {
			return domain.DNSMessage{}, fmt.Errorf("%w: question %d fixed fields out of bounds", ErrMalformed, i)
		}
		msg.Questions = append(msg.Questions, domain.Question{
			Name:  utils.CanonicalDNSName(name),
			Type:  domain.RRType(binary.BigEndian.Uint16(data[next : next+2])),
			Class: domain.RRClass(binary.BigEndian.Uint16(data[next+2 : next+4])),
		})
		offset = next + 4
	}

	records := int(msg.AnswerCount) + int(msg.AuthorityCount) + int(msg.AdditionalCount)
	for i := 0; i < records; i++ {
		next, err := skipRecord(data, offset)
		if err != nil {
			return domain.DNSMessage{}, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
		}
		offset = next
	}

	return msg, nil
}

// decodeName decodes a domain name at offset, handling label
// compression. It returns the name and the offset just past the name's
// in-place representation (pointers do not advance past their two bytes).
func decodeName(data []byte, offset int) (string, int, error) {
	var labels []string
	nameLen := 0
	hops := 0
	next := -1 // offset after the name at its original position

	for {
		if offset >= len(data) {
			return "", 0, errors.New("offset out of bounds")
		}
		length := int(data[offset])

		if length&0xC0 == 0xC0 {
			if offset+1 >= len(data) {
				return "", 0, errors.New("compression pointer out of bounds")
			}
			hops++
			if hops > maxPointerHops {
				return "", 0, errors.New("compression pointer loop")
			}
			if next < 0 {
				next = offset + 2
			}
			ptr := int(binary.BigEndian.Uint16(data[offset:offset+2]) & 0x3FFF)
			if ptr >= offset {
				return "", 0, errors.New("forward compression pointer")
			}
			offset = ptr
			continue
		}
		if length&0xC0 != 0 {
			return "", 0, errors.New("reserved label type")
		}

		if length == 0 {
			offset++
			break
		}
		offset++
		if offset+length > len(data) {
			return "", 0, errors.New("label length out of bounds")
		}
		nameLen += length + 1
		if nameLen > maxNameLen {
			return "", 0, errors.New("name exceeds 255 octets")
		}
		labels = append(labels, string(data[offset:offset+length]))
		offset += length
	}

	if next < 0 {
		next = offset
	}
	return strings.Join(labels, "."), next, nil
}

// skipRecord validates one resource record's framing and returns the
// offset of the byte after it.
func skipRecord(data []byte, offset int) (int, error) {
	_, next, err := decodeName(data, offset)
	if err != nil {
		return 0, err
	}
	// type(2) class(2) ttl(4) rdlength(2)
	if next+10 > len(data) {
		return 0, errors.New("record fixed fields out of bounds")
	}
	rdLength := int(binary.BigEndian.Uint16(data[next+8 : next+10]))
	end := next + 10 + rdLength
	if end > len(data) {
		return 0, errors.New("record data out of bounds")
	}
	return end, nil
}
