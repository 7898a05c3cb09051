package plugins

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/domain"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
)

// fakeAnalyzer records deliveries and can be told to fail or panic.
type fakeAnalyzer struct {
	name string

	mu        sync.Mutex
	events    []Event
	processed chan struct{}

	failWith  error
	panicWith string
	block     chan struct{}
	entered   chan struct{}
}

func newFakeAnalyzer(name string) *fakeAnalyzer {
	return &fakeAnalyzer{name: name, processed: make(chan struct{}, 4096)}
}

func (f *fakeAnalyzer) Name() string { return f.name }

func (f *fakeAnalyzer) Process(ev Event) error {
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.block
	}
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	f.processed <- struct{}{}
	return f.failWith
}

func (f *fakeAnalyzer) Shutdown() error { return nil }

func (f *fakeAnalyzer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeAnalyzer) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.processed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d/%d to %s", i+1, n, f.name)
		}
	}
}

func registerFake(t *testing.T, name string, a Analyzer, spawnErr error) {
	t.Helper()
	Register(name, func(config.PluginConfig, *store.SQLite, log.Logger) (Analyzer, error) {
		if spawnErr != nil {
			return nil, spawnErr
		}
		return a, nil
	})
}

func enabled() config.PluginConfig { return config.PluginConfig{"enable": 1} }

func testEvent(qr bool) Event {
	return Event{Message: domain.DNSMessage{QR: qr}}
}

func TestLoad_GatesOnConfiguration(t *testing.T) {
	a := newFakeAnalyzer("gate::configured")
	b := newFakeAnalyzer("gate::unconfigured")
	c := newFakeAnalyzer("gate::disabled")
	registerFake(t, a.name, a, nil)
	registerFake(t, b.name, b, nil)
	registerFake(t, c.name, c, nil)

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{
		a.name: enabled(),
		c.name: {"enable": 0},
	})
	defer r.Shutdown(time.Second)

	names := make([]string, 0)
	for _, b := range r.Bindings() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{a.name}, names)
}

func TestLoad_SpawnFailureSkipsPlugin(t *testing.T) {
	ok := newFakeAnalyzer("spawn::ok")
	registerFake(t, ok.name, ok, nil)
	registerFake(t, "spawn::broken", nil, errors.New("boom"))
	Register("spawn::panics", func(config.PluginConfig, *store.SQLite, log.Logger) (Analyzer, error) {
		panic("constructor exploded")
	})

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{
		ok.name:         enabled(),
		"spawn::broken": enabled(),
		"spawn::panics": enabled(),
	})
	defer r.Shutdown(time.Second)

	require.Len(t, r.Bindings(), 1)
	assert.Equal(t, ok.name, r.Bindings()[0].Name)

	// The surviving plugin still receives events.
	r.Bindings()[0].Post(testEvent(false))
	ok.waitFor(t, 1)
}

func TestPost_DeliversInOrder(t *testing.T) {
	a := newFakeAnalyzer("order::a")
	registerFake(t, a.name, a, nil)

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{a.name: enabled()})

	b := r.Bindings()[0]
	for i := 0; i < 100; i++ {
		qr := i%2 == 1
		require.Equal(t, Posted, b.Post(Event{Message: domain.DNSMessage{ID: uint16(i), QR: qr}}))
	}
	a.waitFor(t, 100)
	r.Shutdown(time.Second)

	for i, ev := range a.events {
		assert.Equal(t, uint16(i), ev.Message.ID, "delivery order must match post order")
	}
}

func TestPost_DropNewestWhenFull(t *testing.T) {
	a := newFakeAnalyzer("full::a")
	a.block = make(chan struct{})
	a.entered = make(chan struct{}, 1)
	registerFake(t, a.name, a, nil)

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{a.name: enabled()})
	b := r.Bindings()[0]

	// Park one event inside Process, then fill the inbox behind it.
	require.Equal(t, Posted, b.Post(testEvent(false)))
	<-a.entered
	for i := 0; i < inboxSize; i++ {
		require.Equal(t, Posted, b.Post(testEvent(false)))
	}

	// The inbox is now full; the next post drops.
	assert.Equal(t, Dropped, b.Post(testEvent(false)))

	close(a.block)
	r.Shutdown(5 * time.Second)
}

func TestProcessError_KeepsAnalyzerLoaded(t *testing.T) {
	a := newFakeAnalyzer("fail::a")
	a.failWith = errors.New("storage hiccup")
	registerFake(t, a.name, a, nil)

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{a.name: enabled()})
	b := r.Bindings()[0]

	b.Post(testEvent(false))
	a.waitFor(t, 1)
	b.Post(testEvent(true))
	a.waitFor(t, 1)
	r.Shutdown(time.Second)

	// Runtime failures are isolated; both events were still delivered.
	assert.Equal(t, 2, a.count())
}

func TestProcessPanic_RemovesBindingButSparesOthers(t *testing.T) {
	bad := newFakeAnalyzer("panic::bad")
	bad.panicWith = "analyzer bug"
	good := newFakeAnalyzer("panic::good")
	registerFake(t, bad.name, bad, nil)
	registerFake(t, good.name, good, nil)

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{
		bad.name:  enabled(),
		good.name: enabled(),
	})

	post := func(ev Event) {
		for _, b := range r.Bindings() {
			b.Post(ev)
		}
	}

	post(testEvent(false))
	good.waitFor(t, 1)

	// Give the crashed worker a moment to mark itself dead, then keep
	// dispatching: the healthy analyzer must see every event.
	require.Eventually(t, func() bool {
		return r.Bindings()[0].Post(testEvent(false)) == Skipped ||
			r.Bindings()[1].Post(testEvent(false)) == Skipped
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		post(testEvent(true))
	}
	r.Shutdown(5 * time.Second)

	assert.Zero(t, bad.count())
	assert.GreaterOrEqual(t, good.count(), 11)
}

func TestShutdown_DrainsInboxes(t *testing.T) {
	a := newFakeAnalyzer("drain::a")
	registerFake(t, a.name, a, nil)

	r := NewRegistry(nil, log.NewNoopLogger())
	r.Load(map[string]config.PluginConfig{a.name: enabled()})
	b := r.Bindings()[0]

	const n = 50
	for i := 0; i < n; i++ {
		require.Equal(t, Posted, b.Post(testEvent(false)))
	}

	r.Shutdown(5 * time.Second)
	assert.Equal(t, n, a.count())

	// Posts after shutdown are skipped, not queued.
	assert.Equal(t, Skipped, b.Post(testEvent(false)))
}

func TestRegisteredNames_Sorted(t *testing.T) {
	registerFake(t, "zz::last", newFakeAnalyzer("zz::last"), nil)
	registerFake(t, "aa::first", newFakeAnalyzer("aa::first"), nil)

	names := RegisteredNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func TestLoad_LogsLoadedSet(t *testing.T) {
	a := newFakeAnalyzer(fmt.Sprintf("loaded::%d", time.Now().UnixNano()%1000))
	registerFake(t, a.name, a, nil)

	rec := &recordingLogger{}
	r := NewRegistry(nil, rec)
	r.Load(map[string]config.PluginConfig{a.name: enabled()})
	defer r.Shutdown(time.Second)

	require.NotEmpty(t, rec.notices)
	assert.Contains(t, rec.notices[len(rec.notices)-1], "Loaded analyzer plugins")
}

// recordingLogger keeps notice/warn messages for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	notices []string
	warns   []string
}

func (r *recordingLogger) Debug(map[string]any, string) {}
func (r *recordingLogger) Notice(_ map[string]any, msg string) {
	r.mu.Lock()
	r.notices = append(r.notices, msg)
	r.mu.Unlock()
}
func (r *recordingLogger) Warn(_ map[string]any, msg string) {
	r.mu.Lock()
	r.warns = append(r.warns, msg)
	r.mu.Unlock()
}
func (r *recordingLogger) Error(map[string]any, string) {}
func (r *recordingLogger) Fatal(map[string]any, string) {}
