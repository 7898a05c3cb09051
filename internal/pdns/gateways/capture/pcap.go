package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/domain"
)

// PcapSource implements Source over a libpcap live handle.
type PcapSource struct {
	cfg    Config
	logger log.Logger

	frames chan domain.FrameBatch

	mu       sync.Mutex
	handle   *pcap.Handle
	filter   string
	linkType layers.LinkType
	running  bool
	stopCh   chan struct{}
}

// NewPcapSource creates a live capture source for the configured device.
func NewPcapSource(cfg Config, logger log.Logger) *PcapSource {
	cfg = cfg.withDefaults()
	return &PcapSource{
		cfg:    cfg,
		logger: logger,
		frames: make(chan domain.FrameBatch, cfg.QueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Open acquires the live handle. The handle's read timeout bounds how
// long the capture loop blocks in the kernel before checking for stop.
func (s *PcapSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := pcap.OpenLive(s.cfg.Device, int32(s.cfg.Snaplen), s.cfg.Promisc, s.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("failed to open capture on %s: %w", s.cfg.Device, err)
	}
	s.handle = handle
	s.linkType = handle.LinkType()

	s.logger.Debug(map[string]any{
		"device":   s.cfg.Device,
		"snaplen":  s.cfg.Snaplen,
		"promisc":  s.cfg.Promisc,
		"linktype": s.linkType.String(),
	}, "Capture handle opened")

	return nil
}

// SetFilter installs a BPF expression and remembers it so reopens after
// read errors re-apply it.
func (s *PcapSource) SetFilter(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return fmt.Errorf("capture handle not open")
	}
	if err := s.handle.SetBPFFilter(expr); err != nil {
		return fmt.Errorf("failed to set filter %q: %w", expr, err)
	}
	s.filter = expr
	return nil
}

// LinkType reports the datalink type of the open handle.
func (s *PcapSource) LinkType() layers.LinkType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkType
}

// Frames returns the delivery channel.
func (s *PcapSource) Frames() <-chan domain.FrameBatch {
	return s.frames
}

// Run starts the capture loop on its own goroutine.
func (s *PcapSource) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.captureLoop(ctx)
}

// Stop terminates the capture loop and closes the handle.
func (s *PcapSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		if s.handle != nil {
			s.handle.Close()
			s.handle = nil
		}
		return
	}
	s.running = false
	close(s.stopCh)
}

// captureLoop reads frames until stopped, batching deliveries. A read
// error closes the handle and reopens it with exponential backoff.
func (s *PcapSource) captureLoop(ctx context.Context) {
	defer close(s.frames)

	batch := make(domain.FrameBatch, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := make(domain.FrameBatch, len(batch))
		copy(out, batch)
		batch = batch[:0]
		select {
		case s.frames <- out:
		case <-ctx.Done():
		case <-s.stopCh:
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			s.closeHandle()
			return
		case <-s.stopCh:
			flush()
			s.closeHandle()
			return
		default:
		}

		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle == nil {
			if !s.reopen(ctx) {
				return
			}
			continue
		}

		data, ci, err := handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				// Quiet link; deliver whatever accumulated.
				flush()
				continue
			}
			s.logger.Warn(map[string]any{
				"device": s.cfg.Device,
				"error":  err.Error(),
			}, "Capture read error")
			flush()
			s.closeHandle()
			if !s.reopen(ctx) {
				return
			}
			continue
		}

		buf := make([]byte, len(data))
		copy(buf, data)
		batch = append(batch, domain.CapturedFrame{
			Timestamp:     ci.Timestamp,
			CaptureLength: ci.CaptureLength,
			Length:        ci.Length,
			Data:          buf,
		})
		if len(batch) >= s.cfg.BatchSize {
			flush()
		}
	}
}

// reopen retries Open with exponential backoff capped at 30s, re-applying
// the remembered filter. Returns false when the loop should exit instead.
func (s *PcapSource) reopen(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case <-time.After(backoff):
		}

		if err := s.Open(); err != nil {
			s.logger.Warn(map[string]any{
				"device":  s.cfg.Device,
				"error":   err.Error(),
				"backoff": backoff.String(),
			}, "Capture reopen failed")
			backoff *= 2
			if backoff > maxReopenBackoff {
				backoff = maxReopenBackoff
			}
			continue
		}

		s.mu.Lock()
		filter := s.filter
		s.mu.Unlock()
		if filter != "" {
			if err := s.SetFilter(filter); err != nil {
				s.logger.Warn(map[string]any{
					"filter": filter,
					"error":  err.Error(),
				}, "Failed to re-apply capture filter; capturing unfiltered")
			}
		}

		s.logger.Notice(map[string]any{"device": s.cfg.Device}, "Capture handle reopened")
		return true
	}
}

func (s *PcapSource) closeHandle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
}
