// Package wire decodes DNS messages from their wire format as specified
// in RFC 1035. The monitor observes traffic in both directions, so the
// codec accepts queries and responses alike.
package wire

import (
	"github.com/quillon/dnsmon/internal/pdns/domain"
)

// Codec parses raw transport payloads into DNS messages. Malformed
// input yields ErrMalformed; the codec never panics on hostile bytes.
type Codec interface {
	Decode(data []byte) (domain.DNSMessage, error)
}
