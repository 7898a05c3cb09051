// Package store persists endpoint entities. The pipeline find-or-creates
// one row per distinct server or client IP; analyzer plugins keep their
// own tables on the same handle.
package store

import (
	"context"
	"net/netip"
	"time"
)

// Row is one persisted endpoint: a stable identifier plus the IP it is
// keyed on. Rows are created on first sighting and never deleted.
type Row struct {
	ID        int64
	IP        netip.Addr
	FirstSeen time.Time
}

// EndpointStore is the entity API the pipeline consumes. FindOrCreate
// is atomic with respect to concurrent callers on the same IP.
type EndpointStore interface {
	FindOrCreateServer(ctx context.Context, ip netip.Addr) (Row, error)
	FindOrCreateClient(ctx context.Context, ip netip.Addr) (Row, error)
}
