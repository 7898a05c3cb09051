// Package capture drives a live packet capture handle and feeds frame
// batches into the pipeline. The capture loop runs on its own goroutine
// so a slow consumer stalls the channel, not the kernel buffer.
package capture

import (
	"context"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/quillon/dnsmon/internal/pdns/domain"
)

// Source is a live frame source. Open must succeed before Run; filter
// installation is optional and failure there is the supervisor's call.
type Source interface {
	// Open acquires the capture handle. Failure here is fatal to startup.
	Open() error

	// SetFilter installs a BPF expression on the handle. Frames delivered
	// after a successful SetFilter have already matched the expression.
	SetFilter(expr string) error

	// Run starts the capture loop. It returns immediately; frames arrive
	// on Frames() until the context is cancelled or Stop is called.
	Run(ctx context.Context)

	// Stop terminates the capture loop and closes the handle.
	Stop()

	// Frames returns the delivery channel. Each batch holds at least one frame.
	Frames() <-chan domain.FrameBatch

	// LinkType reports the datalink type of the open handle. Only valid
	// after Open.
	LinkType() layers.LinkType
}

// Config carries the capture handle parameters.
type Config struct {
	Device  string
	Snaplen int
	Promisc bool
	Timeout time.Duration

	// BatchSize caps frames per delivery; a read timeout flushes a
	// partial batch so quiet links still deliver promptly.
	BatchSize int

	// QueueDepth is the capacity of the delivery channel.
	QueueDepth int
}

const (
	defaultBatchSize  = 64
	defaultQueueDepth = 256

	// maxReopenBackoff caps the delay between reopen attempts after a
	// capture read error.
	maxReopenBackoff = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	return c
}
