package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite wraps the backing database. A single connection with WAL
// journaling keeps find-or-create serialization simple; the uniqueness
// constraint on ip does the rest.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and installs the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS server (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ip TEXT NOT NULL UNIQUE,
  first_seen TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS client (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ip TEXT NOT NULL UNIQUE,
  first_seen TEXT NOT NULL
);
`)
	return err
}

// Close closes the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Handle exposes the raw database for analyzer plugins that maintain
// their own tables alongside the endpoint entities.
func (s *SQLite) Handle() *sql.DB { return s.db }

// FindOrCreateServer returns the server row for ip, creating it on
// first sighting.
func (s *SQLite) FindOrCreateServer(ctx context.Context, ip netip.Addr) (Row, error) {
	return s.findOrCreate(ctx, "server", ip)
}

// FindOrCreateClient returns the client row for ip, creating it on
// first sighting.
func (s *SQLite) FindOrCreateClient(ctx context.Context, ip netip.Addr) (Row, error) {
	return s.findOrCreate(ctx, "client", ip)
}

// findOrCreate inserts-if-absent then selects. The UNIQUE constraint on
// ip makes the insert a no-op when another caller won the race.
func (s *SQLite) findOrCreate(ctx context.Context, table string, ip netip.Addr) (Row, error) {
	if !ip.IsValid() {
		return Row{}, fmt.Errorf("invalid %s address", table)
	}
	key := ip.Unmap().String()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (ip, first_seen) VALUES (?, ?) ON CONFLICT(ip) DO NOTHING`,
		key, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Row{}, fmt.Errorf("failed to insert %s row: %w", table, err)
	}

	var (
		row       Row
		ipText    string
		firstSeen string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, ip, first_seen FROM `+table+` WHERE ip = ?`, key).
		Scan(&row.ID, &ipText, &firstSeen)
	if err != nil {
		return Row{}, fmt.Errorf("failed to select %s row: %w", table, err)
	}

	addr, parseErr := netip.ParseAddr(ipText)
	if parseErr != nil {
		return Row{}, fmt.Errorf("corrupt %s row %d: %w", table, row.ID, parseErr)
	}
	row.IP = addr
	if ts, parseErr := time.Parse(time.RFC3339Nano, firstSeen); parseErr == nil {
		row.FirstSeen = ts
	}
	return row, nil
}
