// Package plugins defines the analyzer capability and the registry that
// discovers, spawns, and dispatches to analyzers. Analyzers register a
// factory at link time under their symbolic name; the daemon imports
// each analyzer package for its side effect.
package plugins

import (
	"sort"
	"sync"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/domain"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

// Event is one parsed DNS observation: the message, the normalized
// endpoint roles, and the persisted endpoint rows.
type Event struct {
	Message domain.DNSMessage
	Roles   domain.EndpointRoles
	Server  store.Row
	Client  store.Row
}

// Analyzer is a live plugin instance. Process is called from the
// plugin's own goroutine, in arrival order; it may block without
// stalling the pipeline. Shutdown is called once, after the inbox is
// drained or abandoned.
type Analyzer interface {
	Name() string
	Process(ev Event) error
	Shutdown() error
}

// Factory spawns an analyzer from its effective configuration. The
// store handle and log sink are shared with the pipeline.
type Factory func(cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (Analyzer, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// Register records a factory under its symbolic name. Analyzer packages
// call this from init; a duplicate name keeps the last registration.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	factories[name] = f
	factoriesMu.Unlock()
}

// RegisteredNames returns the known analyzer names, sorted.
func RegisteredNames() []string {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(name string) Factory {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	return factories[name]
}
