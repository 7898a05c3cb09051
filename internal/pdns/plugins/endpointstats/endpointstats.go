// Package endpointstats implements the server::stats and client::stats
// analyzers: per-endpoint question/answer counters with a bloom-filter
// estimate of distinct apex names, persisted into the shared database
// when the rrd option is set.
package endpointstats

import (
	"fmt"
	"time"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/common/utils"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/plugins"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

const (
	// ServerName and ClientName are the two registered analyzer names
	// sharing this implementation.
	ServerName = "server::stats"
	ClientName = "client::stats"

	// bloom sizing: distinct (endpoint, apex) pairs the filter absorbs
	// before the false-positive rate passes 1%.
	bloomCapacity = 1_000_000
	bloomFPRate   = 0.01

	defaultPersistEvery = time.Minute
)

func init() {
	plugins.Register(ServerName, func(cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (plugins.Analyzer, error) {
		return New(ServerName, cfg, st, logger)
	})
	plugins.Register(ClientName, func(cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (plugins.Analyzer, error) {
		return New(ClientName, cfg, st, logger)
	})
}

// tally is one endpoint's pending (not yet persisted) deltas.
type tally struct {
	questions   uint64
	answers     uint64
	uniqueNames uint64
}

// Stats accumulates per-endpoint counters. Process runs on the
// analyzer's own goroutine, so the maps need no locking.
type Stats struct {
	name    string
	st      *store.SQLite
	logger  log.Logger
	persist bool

	table   string
	idCol   string
	pending map[int64]*tally
	names   *bitsbloom.BloomFilter

	persistEvery time.Duration
	lastPersist  time.Time
}

// New creates the analyzer for either registered name. The endpoint
// whose row feeds the counters follows from the name: server::stats
// tallies the server side, client::stats the client side.
func New(name string, cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (*Stats, error) {
	s := &Stats{
		name:         name,
		st:           st,
		logger:       logger,
		persist:      cfg.Int("rrd", 0) == 1,
		pending:      make(map[int64]*tally),
		names:        bitsbloom.NewWithEstimates(bloomCapacity, bloomFPRate),
		persistEvery: defaultPersistEvery,
		lastPersist:  time.Now(),
	}
	switch name {
	case ServerName:
		s.table = "server_stats"
		s.idCol = "server_id"
	case ClientName:
		s.table = "client_stats"
		s.idCol = "client_id"
	default:
		return nil, fmt.Errorf("unknown stats analyzer name %q", name)
	}

	if s.persist {
		if err := s.migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Stats) migrate() error {
	_, err := s.st.Handle().Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  %s INTEGER PRIMARY KEY,
  questions INTEGER NOT NULL DEFAULT 0,
  answers INTEGER NOT NULL DEFAULT 0,
  unique_names INTEGER NOT NULL DEFAULT 0
);`, s.table, s.idCol))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

// Name returns the analyzer's symbolic name.
func (s *Stats) Name() string { return s.name }

// Process tallies one event against the endpoint this analyzer tracks.
func (s *Stats) Process(ev plugins.Event) error {
	row := ev.Server
	if s.name == ClientName {
		row = ev.Client
	}

	t := s.pending[row.ID]
	if t == nil {
		t = &tally{}
		s.pending[row.ID] = t
	}
	if ev.Message.QR {
		t.answers++
	} else {
		t.questions++
	}

	if qname := ev.Message.QName(); qname != "" {
		key := fmt.Sprintf("%d|%s", row.ID, utils.ApexDomain(qname))
		if !s.names.TestAndAddString(key) {
			t.uniqueNames++
		}
	}

	if s.persist && time.Since(s.lastPersist) >= s.persistEvery {
		s.flush()
	}
	return nil
}

// flush upserts the pending deltas and clears them.
func (s *Stats) flush() {
	s.lastPersist = time.Now()
	if len(s.pending) == 0 {
		return
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s, questions, answers, unique_names) VALUES (?, ?, ?, ?)
ON CONFLICT(%s) DO UPDATE SET
  questions = questions + excluded.questions,
  answers = answers + excluded.answers,
  unique_names = unique_names + excluded.unique_names`,
		s.table, s.idCol, s.idCol)

	for id, t := range s.pending {
		if _, err := s.st.Handle().Exec(query, id, t.questions, t.answers, t.uniqueNames); err != nil {
			s.logger.Warn(map[string]any{
				"plugin": s.name,
				"id":     id,
				"error":  err.Error(),
			}, "Failed to persist endpoint stats")
			continue
		}
		delete(s.pending, id)
	}
}

// Shutdown persists whatever is still pending.
func (s *Stats) Shutdown() error {
	if s.persist {
		s.flush()
	}
	return nil
}
