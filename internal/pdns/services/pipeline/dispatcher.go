package pipeline

import (
	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/plugins"
	"github.com/quillon/dnsmon/internal/pdns/repos/stats"
)

// Dispatcher fans each parsed DNS event out to every live analyzer.
// Posting is fire-and-forget: a full inbox drops the event for that
// analyzer alone and the drop is counted.
type Dispatcher struct {
	registry *plugins.Registry
	stats    *stats.Accumulator
	logger   log.Logger
}

// NewDispatcher creates a Dispatcher over the loaded registry.
func NewDispatcher(registry *plugins.Registry, acc *stats.Accumulator, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		stats:    acc,
		logger:   logger,
	}
}

// Dispatch counts the event and posts it to each analyzer's inbox in
// registry order. No lock is held across the posts.
func (d *Dispatcher) Dispatch(ev plugins.Event) {
	d.stats.Increment(stats.KeyDNS)
	if ev.Message.QR {
		d.stats.Increment(stats.KeyAnswer)
	} else {
		d.stats.Increment(stats.KeyQuestion)
	}

	for _, b := range d.registry.Bindings() {
		switch b.Post(ev) {
		case plugins.Posted:
			d.stats.Increment("plugin::" + b.Name)
		case plugins.Dropped:
			d.stats.Increment("plugin::" + b.Name + "::dropped")
		case plugins.Skipped:
			// Dead binding; events skip it.
		}
	}
}
