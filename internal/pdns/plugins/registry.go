package plugins

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

// inboxSize bounds each analyzer's inbox. A full inbox drops the newest
// event for that analyzer only; the drop is counted, never blocked on.
const inboxSize = 1024

// PostResult reports what happened to one posted event.
type PostResult int

const (
	Posted PostResult = iota
	Dropped
	Skipped // binding dead or shut down
)

// Binding is one loaded analyzer: the live instance, its effective
// configuration, and the inbox its worker drains.
type Binding struct {
	Name string

	analyzer Analyzer
	cfg      config.PluginConfig
	logger   log.Logger

	inbox  chan Event
	done   chan struct{}
	dead   atomic.Bool
	closed atomic.Bool
}

// Post offers an event to the binding's inbox without blocking.
func (b *Binding) Post(ev Event) PostResult {
	if b.dead.Load() || b.closed.Load() {
		return Skipped
	}
	select {
	case b.inbox <- ev:
		return Posted
	default:
		return Dropped
	}
}

// worker drains the inbox in arrival order. A Process error is a
// runtime failure: logged, analyzer kept. A Process panic is a crash:
// the binding is marked dead and subsequent events skip it.
func (b *Binding) worker() {
	defer close(b.done)
	for ev := range b.inbox {
		if err := b.process(ev); err != nil {
			if b.dead.Load() {
				b.logger.Notice(map[string]any{
					"plugin": b.Name,
					"error":  err.Error(),
				}, "Analyzer crashed; removing from dispatch")
				return
			}
			b.logger.Warn(map[string]any{
				"plugin": b.Name,
				"error":  err.Error(),
			}, "Analyzer process failed")
		}
	}
}

// process isolates one delivery. Panics surface as errors after marking
// the binding dead.
func (b *Binding) process(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.dead.Store(true)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.analyzer.Process(ev)
}

// Registry holds the dispatch table. It is populated once by Load and
// immutable afterward; there is no hot reload.
type Registry struct {
	st     *store.SQLite
	logger log.Logger

	bindings []*Binding
}

// NewRegistry creates an empty registry sharing the store and log sink
// with the analyzers it will spawn.
func NewRegistry(st *store.SQLite, logger log.Logger) *Registry {
	return &Registry{st: st, logger: logger}
}

// Load walks the registered analyzers in name order and spawns those
// the configuration enables. Per-plugin failures skip that plugin; the
// pipeline always comes up.
func (r *Registry) Load(cfgs map[string]config.PluginConfig) {
	for _, name := range RegisteredNames() {
		cfg, ok := cfgs[name]
		if !ok || cfg == nil {
			r.logger.Notice(map[string]any{"plugin": name}, "Analyzer has no configuration; skipping")
			continue
		}
		if !cfg.Enabled() {
			r.logger.Notice(map[string]any{"plugin": name}, "Analyzer not enabled; skipping")
			continue
		}
		factory := lookupFactory(name)
		if factory == nil {
			r.logger.Notice(map[string]any{"plugin": name}, "Analyzer does not implement the plugin API; skipping")
			continue
		}

		analyzer, err := spawn(factory, cfg, r.st, r.logger)
		if err != nil {
			r.logger.Warn(map[string]any{
				"plugin": name,
				"error":  err.Error(),
			}, "Analyzer spawn failed; continuing without it")
			continue
		}

		b := &Binding{
			Name:     name,
			analyzer: analyzer,
			cfg:      cfg,
			logger:   r.logger,
			inbox:    make(chan Event, inboxSize),
			done:     make(chan struct{}),
		}
		go b.worker()
		r.bindings = append(r.bindings, b)
	}

	loaded := make([]string, 0, len(r.bindings))
	for _, b := range r.bindings {
		loaded = append(loaded, b.Name)
	}
	r.logger.Notice(map[string]any{"plugins": loaded}, "Loaded analyzer plugins")
}

// spawn runs the factory inside a failure boundary so a panicking
// constructor cannot take down startup.
func spawn(f Factory, cfg config.PluginConfig, st *store.SQLite, logger log.Logger) (a Analyzer, err error) {
	defer func() {
		if r := recover(); r != nil {
			a = nil
			err = fmt.Errorf("spawn panic: %v", r)
		}
	}()
	return f(cfg, st, logger)
}

// Bindings returns the dispatch table in load order.
func (r *Registry) Bindings() []*Binding {
	return r.bindings
}

// Shutdown closes every inbox and waits up to grace for the workers to
// drain. Leftover events are dropped with a warning. Analyzer Shutdown
// hooks run last, inside the same failure boundary as Process.
func (r *Registry) Shutdown(grace time.Duration) {
	for _, b := range r.bindings {
		if b.closed.CompareAndSwap(false, true) {
			close(b.inbox)
		}
	}

	expired := make(chan struct{})
	go func() {
		<-time.After(grace)
		close(expired)
	}()

	var wg sync.WaitGroup
	for _, b := range r.bindings {
		wg.Add(1)
		go func(b *Binding) {
			defer wg.Done()
			select {
			case <-b.done:
			case <-expired:
				remaining := len(b.inbox)
				if remaining > 0 {
					r.logger.Warn(map[string]any{
						"plugin":    b.Name,
						"remaining": remaining,
					}, "Analyzer did not drain before grace period; dropping events")
				}
			}
		}(b)
	}
	wg.Wait()

	for _, b := range r.bindings {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warn(map[string]any{
						"plugin": b.Name,
						"error":  fmt.Sprint(rec),
					}, "Analyzer shutdown panicked")
				}
			}()
			if err := b.analyzer.Shutdown(); err != nil {
				r.logger.Warn(map[string]any{
					"plugin": b.Name,
					"error":  err.Error(),
				}, "Analyzer shutdown failed")
			}
		}()
	}
}
