package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/quillon/dnsmon/internal/pdns/domain"
)

// buildQuery assembles a standard query for name in wire format.
func buildQuery(id uint16, name string, qtype domain.RRType) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, id)
	_ = binary.Write(&buf, binary.BigEndian, uint16(0x0100)) // RD=1
	_ = binary.Write(&buf, binary.BigEndian, uint16(1))      // QDCOUNT
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	writeName(&buf, name)
	_ = binary.Write(&buf, binary.BigEndian, uint16(qtype))
	_ = binary.Write(&buf, binary.BigEndian, uint16(domain.RRClassIN))
	return buf.Bytes()
}

// buildResponse assembles a response with one A answer that compresses
// its name with a pointer to the question.
func buildResponse(id uint16, name string) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, id)
	_ = binary.Write(&buf, binary.BigEndian, uint16(0x8180)) // QR=1 RD RA
	_ = binary.Write(&buf, binary.BigEndian, uint16(1))      // QDCOUNT
	_ = binary.Write(&buf, binary.BigEndian, uint16(1))      // ANCOUNT
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))
	writeName(&buf, name)
	_ = binary.Write(&buf, binary.BigEndian, uint16(domain.RRTypeA))
	_ = binary.Write(&buf, binary.BigEndian, uint16(domain.RRClassIN))
	// Answer: pointer to QNAME at offset 12.
	buf.Write([]byte{0xC0, 0x0C})
	_ = binary.Write(&buf, binary.BigEndian, uint16(domain.RRTypeA))
	_ = binary.Write(&buf, binary.BigEndian, uint16(domain.RRClassIN))
	_ = binary.Write(&buf, binary.BigEndian, uint32(300))
	_ = binary.Write(&buf, binary.BigEndian, uint16(4))
	buf.Write([]byte{93, 184, 216, 34})
	return buf.Bytes()
}

func writeName(buf *bytes.Buffer, name string) {
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			buf.WriteByte(byte(i - start))
			buf.WriteString(name[start:i])
			start = i + 1
		}
	}
	buf.WriteByte(0)
}

func TestDecode_Query(t *testing.T) {
	codec := NewMessageCodec()
	data := buildQuery(0x1234, "example.com", domain.RRTypeA)

	msg, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.ID != 0x1234 {
		t.Errorf("expected id 0x1234, got 0x%x", msg.ID)
	}
	if msg.QR {
		t.Error("expected QR=0 for a query")
	}
	if !msg.RecursionDesired {
		t.Error("expected RD set")
	}
	if len(msg.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(msg.Questions))
	}
	if msg.Questions[0].Name != "example.com" {
		t.Errorf("expected example.com, got %q", msg.Questions[0].Name)
	}
	if msg.Questions[0].Type != domain.RRTypeA {
		t.Errorf("expected A, got %v", msg.Questions[0].Type)
	}
	if !bytes.Equal(msg.Raw, data) {
		t.Error("raw bytes should pass through verbatim")
	}
}

func TestDecode_Response(t *testing.T) {
	codec := NewMessageCodec()
	data := buildResponse(0xBEEF, "example.com")

	msg, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !msg.QR {
		t.Error("expected QR=1 for a response")
	}
	if msg.AnswerCount != 1 {
		t.Errorf("expected 1 answer, got %d", msg.AnswerCount)
	}
	if msg.RCode != domain.RCodeNoError {
		t.Errorf("expected NOERROR, got %v", msg.RCode)
	}
	if msg.QName() != "example.com" {
		t.Errorf("expected example.com, got %q", msg.QName())
	}
}

func TestDecode_UppercaseNameCanonicalized(t *testing.T) {
	codec := NewMessageCodec()
	data := buildQuery(1, "WWW.Example.COM", domain.RRTypeAAAA)

	msg, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.QName() != "www.example.com" {
		t.Errorf("expected canonical name, got %q", msg.QName())
	}
}

func TestDecode_Malformed(t *testing.T) {
	codec := NewMessageCodec()

	truncatedAnswer := buildResponse(2, "example.com")
	truncatedAnswer = truncatedAnswer[:len(truncatedAnswer)-3]

	labelOverrun := buildQuery(3, "example.com", domain.RRTypeA)
	labelOverrun[12] = 63 // first label claims 63 bytes it doesn't have

	// A question name that starts with a pointer to itself.
	var loop bytes.Buffer
	loop.Write(buildQuery(4, "x", domain.RRTypeA)[:12])
	loop.Write([]byte{0xC0, 0x0C, 0x00, 0x01, 0x00, 0x01})

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x00, 0x01, 0x02}},
		{"garbage", bytes.Repeat([]byte{0xFF}, 40)},
		{"truncated answer", truncatedAnswer},
		{"label overrun", labelOverrun},
		{"pointer loop", loop.Bytes()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(tc.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecode_CountsLie(t *testing.T) {
	codec := NewMessageCodec()
	data := buildQuery(5, "example.com", domain.RRTypeA)
	// Claim an answer section that isn't there.
	binary.BigEndian.PutUint16(data[6:8], 7)

	_, err := codec.Decode(data)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
