// Package pipeline wires capture, decode, parse, endpoint resolution,
// and dispatch into a running supervisor with a single event loop.
package pipeline

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/quillon/dnsmon/internal/pdns/common/clock"
	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/domain"
	"github.com/quillon/dnsmon/internal/pdns/gateways/capture"
	"github.com/quillon/dnsmon/internal/pdns/gateways/decode"
	"github.com/quillon/dnsmon/internal/pdns/gateways/wire"
	"github.com/quillon/dnsmon/internal/pdns/plugins"
	"github.com/quillon/dnsmon/internal/pdns/repos/stats"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateInit State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

// String returns the textual representation of the State.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options carries the supervisor's collaborators and tunables.
type Options struct {
	Source   capture.Source
	Codec    wire.Codec
	Store    store.EndpointStore
	Stats    *stats.Accumulator
	Registry *plugins.Registry
	Clock    clock.Clock
	Logger   log.Logger

	// Filter is the BPF expression installed on the capture source.
	// Installation failure logs a warning and capture continues
	// unfiltered.
	Filter string

	// PluginConfigs gates which registered analyzers load.
	PluginConfigs map[string]config.PluginConfig

	FlushInterval time.Duration
	DrainTimeout  time.Duration
	PluginGrace   time.Duration
}

const (
	defaultFlushInterval = 60 * time.Second
	defaultDrainTimeout  = 5 * time.Second
	defaultPluginGrace   = 10 * time.Second
)

// Supervisor owns the pipeline lifecycle. One control goroutine drives
// the event loop and the stats timer; the capture source runs its own
// worker and each analyzer drains its own inbox.
type Supervisor struct {
	opts       Options
	state      atomic.Int32
	decoder    *decode.Decoder
	dispatcher *Dispatcher
}

// New creates a Supervisor in the INIT state.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.PluginGrace <= 0 {
		opts.PluginGrace = defaultPluginGrace
	}
	return &Supervisor{opts: opts}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run starts the pipeline and blocks until the context is cancelled or
// startup fails. A nil return means a clean DRAINING to STOPPED pass.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)

	s.opts.Registry.Load(s.opts.PluginConfigs)

	if err := s.opts.Source.Open(); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("capture open failed: %w", err)
	}

	decoder, err := decode.New(s.opts.Source.LinkType())
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("decoder setup failed: %w", err)
	}
	s.decoder = decoder

	if s.opts.Filter != "" {
		if err := s.opts.Source.SetFilter(s.opts.Filter); err != nil {
			s.opts.Logger.Warn(map[string]any{
				"filter": s.opts.Filter,
				"error":  err.Error(),
			}, "Failed to install capture filter; capturing unfiltered")
		}
	}

	s.dispatcher = NewDispatcher(s.opts.Registry, s.opts.Stats, s.opts.Logger)

	s.opts.Source.Run(ctx)
	s.setState(StateRunning)
	s.opts.Logger.Notice(map[string]any{
		"linktype": s.opts.Source.LinkType().String(),
		"filter":   s.opts.Filter,
	}, "Pipeline running")

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain(context.Background())
		case batch, ok := <-s.opts.Source.Frames():
			if !ok {
				// Capture worker exited on its own; shut down cleanly.
				return s.drain(context.Background())
			}
			for _, frame := range batch {
				s.handleFrame(ctx, frame)
			}
		case <-ticker.C:
			s.flushStats()
		}
	}
}

// handleFrame runs one frame through decode, parse, endpoint
// resolution, and dispatch. A decode failure is counted as invalid; a
// payload that does not parse as DNS and an event whose endpoint lookup
// fails are dropped without a counter of their own (the latter with a
// warning).
func (s *Supervisor) handleFrame(ctx context.Context, frame domain.CapturedFrame) {
	acc := s.opts.Stats
	acc.Increment(stats.KeyPacket)

	seg, err := s.decoder.Decode(frame)
	if err != nil {
		acc.Increment(stats.KeyInvalid)
		return
	}

	switch seg.Protocol {
	case domain.ProtocolUDP:
		acc.Increment(stats.KeyUDP)
	case domain.ProtocolTCP:
		acc.Increment(stats.KeyTCP)
	}
	if seg.TouchesPort(53) {
		acc.Increment(stats.KeyPort53)
	}

	msg, err := s.opts.Codec.Decode(seg.Payload)
	if err != nil {
		// Not DNS; silent drop.
		return
	}

	roles := domain.NormalizeEndpoints(seg, msg)

	server, err := s.findOrCreate(ctx, roles.ServerIP, s.opts.Store.FindOrCreateServer)
	if err != nil {
		s.opts.Logger.Warn(map[string]any{
			"role":  "server",
			"ip":    roles.ServerIP.String(),
			"error": err.Error(),
		}, "Endpoint lookup failed; dropping event")
		return
	}
	client, err := s.findOrCreate(ctx, roles.ClientIP, s.opts.Store.FindOrCreateClient)
	if err != nil {
		s.opts.Logger.Warn(map[string]any{
			"role":  "client",
			"ip":    roles.ClientIP.String(),
			"error": err.Error(),
		}, "Endpoint lookup failed; dropping event")
		return
	}

	s.dispatcher.Dispatch(plugins.Event{
		Message: msg,
		Roles:   roles,
		Server:  server,
		Client:  client,
	})
}

// findOrCreate retries the store once before giving up on the event.
func (s *Supervisor) findOrCreate(ctx context.Context, ip netip.Addr, op func(context.Context, netip.Addr) (store.Row, error)) (store.Row, error) {
	row, err := op(ctx, ip)
	if err == nil {
		return row, nil
	}
	return op(ctx, ip)
}

// drain performs the DRAINING sequence: stop capture, consume what the
// decode queue still holds within the drain timeout, close analyzer
// inboxes with their grace period, and flush stats once.
func (s *Supervisor) drain(ctx context.Context) error {
	s.setState(StateDraining)
	s.opts.Logger.Notice(nil, "Pipeline draining")

	s.opts.Source.Stop()

	deadline := time.After(s.opts.DrainTimeout)
drainLoop:
	for {
		select {
		case batch, ok := <-s.opts.Source.Frames():
			if !ok {
				break drainLoop
			}
			for _, frame := range batch {
				s.handleFrame(ctx, frame)
			}
		case <-deadline:
			s.opts.Logger.Warn(map[string]any{
				"timeout": s.opts.DrainTimeout.String(),
			}, "Decode queue drain timed out; remaining frames dropped")
			break drainLoop
		}
	}

	s.opts.Registry.Shutdown(s.opts.PluginGrace)
	s.flushStats()
	s.setState(StateStopped)
	s.opts.Logger.Notice(nil, "Pipeline stopped")
	return nil
}

// flushStats snapshots and resets the counters and emits the STATS line.
func (s *Supervisor) flushStats() {
	snap := s.opts.Stats.SnapshotAndReset()
	s.opts.Logger.Debug(nil, stats.FormatLine(snap))
}
