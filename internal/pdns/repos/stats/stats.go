// Package stats accumulates operational counters on the hot path and
// renders the periodic STATS line.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known counter keys. Analyzer deliveries use "plugin::<name>" and
// overflow drops "plugin::<name>::dropped".
const (
	KeyPacket   = "packet"
	KeyInvalid  = "invalid"
	KeyUDP      = "udp"
	KeyTCP      = "tcp"
	KeyPort53   = "port53"
	KeyDNS      = "dns"
	KeyQuestion = "question"
	KeyAnswer   = "answer"
)

// prefixOrder fixes the leading key order of the STATS line; keys not
// present in a snapshot are omitted.
var prefixOrder = []string{
	KeyPacket, KeyInvalid, KeyUDP, KeyTCP, KeyPort53, KeyDNS, KeyQuestion, KeyAnswer,
}

// Accumulator is a lazily keyed counter map. Increment is safe from any
// goroutine; the critical section is a map bump.
type Accumulator struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// New creates an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{counters: make(map[string]uint64)}
}

// Increment bumps the named counter, creating it at zero first.
func (a *Accumulator) Increment(key string) {
	a.mu.Lock()
	a.counters[key]++
	a.mu.Unlock()
}

// Get returns the current value of the named counter.
func (a *Accumulator) Get(key string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[key]
}

// SnapshotAndReset atomically drains all counters, returning the
// snapshot. A second immediate call returns an empty map.
func (a *Accumulator) SnapshotAndReset() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.counters
	a.counters = make(map[string]uint64)
	return snap
}

// FormatLine renders a snapshot as "STATS: k1=v1, k2=v2, ..." with the
// fixed prefix keys first, then the remaining keys (the plugin::*
// family) in lexicographic order.
func FormatLine(snap map[string]uint64) string {
	var parts []string
	seen := make(map[string]bool, len(prefixOrder))

	for _, key := range prefixOrder {
		seen[key] = true
		if v, ok := snap[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", key, v))
		}
	}

	rest := make([]string, 0, len(snap))
	for key := range snap {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		parts = append(parts, fmt.Sprintf("%s=%d", key, snap[key]))
	}

	return "STATS: " + strings.Join(parts, ", ")
}
