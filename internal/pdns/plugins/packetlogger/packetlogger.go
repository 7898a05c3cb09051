// Package packetlogger is the packet::logger analyzer: it archives one
// record per observed DNS message into a bbolt database, bucketed by
// UTC day so retention is a cheap bucket drop.
package packetlogger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/plugins"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

const (
	// Name is the analyzer's symbolic name.
	Name = "packet::logger"

	dayFormat         = "2006-01-02"
	defaultPath       = "/var/lib/dnsmon/packetlog.db"
	defaultKeepFor    = 30 * 24 * time.Hour
	retentionInterval = time.Hour
)

func init() {
	plugins.Register(Name, func(cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (plugins.Analyzer, error) {
		return New(cfg, logger)
	})
}

// record is the archived form of one DNS observation.
type record struct {
	Time     time.Time `json:"time"`
	ClientIP string    `json:"client_ip"`
	ServerIP string    `json:"server_ip"`
	QR       bool      `json:"qr"`
	QName    string    `json:"qname,omitempty"`
	QType    string    `json:"qtype,omitempty"`
	Size     int       `json:"size"`
}

// Logger archives DNS events with day-granular retention.
type Logger struct {
	db      *bbolt.DB
	keepFor time.Duration
	logger  log.Logger

	lastSweep time.Time
}

// New opens the archive database and parses the keep_for option.
func New(cfg config.PluginConfig, logger log.Logger) (*Logger, error) {
	keepFor, err := parseKeepFor(cfg.String("keep_for", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid keep_for: %w", err)
	}

	path := cfg.String("path", defaultPath)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open packet log %s: %w", path, err)
	}

	return &Logger{
		db:      db,
		keepFor: keepFor,
		logger:  logger,
	}, nil
}

// Name returns the analyzer's symbolic name.
func (l *Logger) Name() string { return Name }

// Process appends one record to the current day's bucket and sweeps
// expired buckets at most once per hour.
func (l *Logger) Process(ev plugins.Event) error {
	rec := record{
		ClientIP: ev.Roles.ClientIP.String(),
		ServerIP: ev.Roles.ServerIP.String(),
		QR:       ev.Message.QR,
		QName:    ev.Message.QName(),
		Size:     len(ev.Message.Raw),
	}
	rec.Time = time.Now().UTC()
	if len(ev.Message.Questions) > 0 {
		rec.QType = ev.Message.Questions[0].Type.String()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	day := []byte(rec.Time.Format(dayFormat))
	err = l.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(day)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to archive record: %w", err)
	}

	if rec.Time.Sub(l.lastSweep) >= retentionInterval {
		l.lastSweep = rec.Time
		l.sweep(rec.Time)
	}
	return nil
}

// sweep drops day buckets older than the retention window.
func (l *Logger) sweep(now time.Time) {
	cutoff := now.Add(-l.keepFor).Format(dayFormat)
	var expired [][]byte
	_ = l.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if string(name) < cutoff {
				key := make([]byte, len(name))
				copy(key, name)
				expired = append(expired, key)
			}
			return nil
		})
	})
	if len(expired) == 0 {
		return
	}
	err := l.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range expired {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Warn(map[string]any{
			"plugin": Name,
			"error":  err.Error(),
		}, "Packet log retention sweep failed")
		return
	}
	l.logger.Debug(map[string]any{
		"plugin":  Name,
		"buckets": len(expired),
	}, "Dropped expired packet log buckets")
}

// Shutdown closes the archive database.
func (l *Logger) Shutdown() error {
	return l.db.Close()
}

// parseKeepFor understands "<n> days" / "<n> hours" retention phrases.
// An empty value keeps the 30 day default.
func parseKeepFor(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultKeepFor, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("expected \"<n> days|hours\", got %q", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected positive count, got %q", fields[0])
	}
	switch strings.TrimSuffix(fields[1], "s") {
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	case "hour":
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", fields[1])
	}
}
