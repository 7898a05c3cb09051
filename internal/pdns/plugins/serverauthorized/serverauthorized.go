// Package serverauthorized implements the server::authorized analyzer.
// It records every DNS server the monitor observes and raises a notice
// the first time a server not marked authorized answers on the wire.
// Operators flip the authorized flag out-of-band.
package serverauthorized

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/plugins"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

const (
	// Name is the analyzer's symbolic name.
	Name = "server::authorized"

	defaultCacheSize = 4096
)

func init() {
	plugins.Register(Name, func(cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (plugins.Analyzer, error) {
		return New(cfg, st, logger)
	})
}

// Authorized tracks which server rows have been checked. The LRU keeps
// repeat sightings of the same server off the database.
type Authorized struct {
	st     *store.SQLite
	logger log.Logger
	seen   *lru.Cache[int64, bool]
}

// New creates the analyzer and ensures its table exists.
func New(cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (*Authorized, error) {
	size := cfg.Int("cache_size", defaultCacheSize)
	seen, err := lru.New[int64, bool](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	_, err = st.Handle().Exec(`
CREATE TABLE IF NOT EXISTS authorized_server (
  server_id INTEGER PRIMARY KEY,
  authorized INTEGER NOT NULL DEFAULT 0,
  first_seen TEXT NOT NULL
);`)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorized_server: %w", err)
	}

	return &Authorized{
		st:     st,
		logger: logger,
		seen:   seen,
	}, nil
}

// Name returns the analyzer's symbolic name.
func (a *Authorized) Name() string { return Name }

// Process checks the event's server row, recording it on first
// sighting. Only answers mark a host as acting as a server; questions
// merely name the intended destination.
func (a *Authorized) Process(ev plugins.Event) error {
	if !ev.Message.QR {
		return nil
	}
	id := ev.Server.ID
	if _, ok := a.seen.Get(id); ok {
		return nil
	}

	var authorized bool
	err := a.st.Handle().QueryRow(
		`SELECT authorized FROM authorized_server WHERE server_id = ?`, id).
		Scan(&authorized)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = a.st.Handle().Exec(
			`INSERT INTO authorized_server (server_id, authorized, first_seen) VALUES (?, 0, ?)
			 ON CONFLICT(server_id) DO NOTHING`,
			id, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to record server %d: %w", id, err)
		}
		a.logger.Notice(map[string]any{
			"server_id": id,
			"ip":        ev.Server.IP.String(),
		}, "Unauthorized DNS server observed")
	case err != nil:
		return fmt.Errorf("failed to check server %d: %w", id, err)
	}

	a.seen.Add(id, authorized)
	return nil
}

// Shutdown has nothing to release; the store handle is shared.
func (a *Authorized) Shutdown() error { return nil }
