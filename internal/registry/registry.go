// Package registry implements the shared, read-mostly proxy pool: rotation,
// failure tracking and periodic health checks (spec component C2).
//
// The selection and failure-tracking pattern here is grounded on
// other_examples' drsoft-oss-proxyrotator internal/pool and internal/rotator
// (snapshot-then-select over an alive subset, atomic per-entry counters,
// a dedicated lock around the rotation cursor) layered onto the
// read-copy-under-RWMutex idiom carlosrabelo/karoo's internal/ratelimit uses
// for its per-IP stats map.
package registry

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/nullbyte-labs/socksrotate/internal/entry"
	"github.com/nullbyte-labs/socksrotate/pkg/logger"
)

// SelectionMode chooses how Select picks among currently-active entries.
type SelectionMode int

const (
	// Random picks uniformly among active entries.
	Random SelectionMode = iota
	// RoundRobin advances a cursor through the active subset, never
	// repeating the previous selection when at least two entries are active.
	RoundRobin
)

const (
	failureThreshold  = 3
	healthCheckPeriod = 5 * time.Minute
	healthDialTimeout = 5 * time.Second
)

// Notifier receives host callbacks fired after the registry decides a
// state change. Both methods must be safe to call from any goroutine.
type Notifier interface {
	OnProxyFailure(host string, port int, message string)
	OnProxyReactivated(host string, port int)
}

// NopNotifier discards all callbacks; useful in tests and as a zero value.
type NopNotifier struct{}

// OnProxyFailure implements Notifier.
func (NopNotifier) OnProxyFailure(string, int, string) {}

// OnProxyReactivated implements Notifier.
func (NopNotifier) OnProxyReactivated(string, int) {}

// Registry holds the proxy list behind a read-write lock and drives
// rotation, failure accounting and health checks.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry.Entry

	mode SelectionMode

	// cursor is guarded by its own lock, held only during selection, per
	// spec §3 "Rotation cursor ... protected by a dedicated lock that is
	// held only during selection".
	cursorMu sync.Mutex
	cursor   int
	lastUsed *entry.Entry

	failMu   sync.Mutex
	failures map[string]int

	notify Notifier
	log    *logger.Logger
}

// New creates an empty Registry. Call SetEntries to populate it.
func New(mode SelectionMode, notify Notifier) *Registry {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Registry{
		mode:     mode,
		failures: make(map[string]int),
		notify:   notify,
		log:      logger.Default,
	}
}

// SetEntries replaces the proxy list. Host-driven, write-locked.
func (r *Registry) SetEntries(entries []*entry.Entry) {
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}

// SetMode changes the selection policy at runtime.
func (r *Registry) SetMode(mode SelectionMode) {
	r.cursorMu.Lock()
	r.mode = mode
	r.cursorMu.Unlock()
}

// All returns a snapshot of every entry, active or not, for host reporting.
func (r *Registry) All() []*entry.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// active returns a snapshot of the currently-active entries.
func (r *Registry) active() []*entry.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Active() {
			out = append(out, e)
		}
	}
	return out
}

// Select returns the next upstream to use for a new connection, or nil if no
// entry is currently active. Round-robin never returns the same entry twice
// in a row when at least two entries are active; identity of the last-used
// entry wins over the numeric cursor when the active set has changed
// (spec §9 "Unclear source behavior"). Equivalent to SelectExcluding with an
// empty exclude set.
func (r *Registry) Select() *entry.Entry {
	return r.SelectExcluding(nil)
}

// SelectExcluding behaves like Select but skips entries in exclude, used by
// the orchestrator's retry-with-a-different-entry policy (spec §7). Honors
// r.mode the same way Select does: round-robin advances from r.lastUsed over
// the filtered candidate set rather than picking randomly.
func (r *Registry) SelectExcluding(exclude map[*entry.Entry]struct{}) *entry.Entry {
	active := r.active()
	candidates := active[:0:0]
	for _, e := range active {
		if _, skip := exclude[e]; !skip {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	var chosen *entry.Entry
	switch r.mode {
	case RoundRobin:
		idx := -1
		if r.lastUsed != nil {
			for i, e := range candidates {
				if e == r.lastUsed {
					idx = i
					break
				}
			}
		}
		if idx == -1 {
			idx = 0
		} else {
			idx = (idx + 1) % len(candidates)
		}
		chosen = candidates[idx]
		r.cursor = idx
	default: // Random
		chosen = candidates[rand.Intn(len(candidates))]
	}
	r.lastUsed = chosen
	return chosen
}

// IncrementFailure records one consecutive failure for e. On the third
// consecutive failure the entry is deactivated and proxy-failed fires.
func (r *Registry) IncrementFailure(e *entry.Entry) {
	key := e.Key()

	r.failMu.Lock()
	r.failures[key]++
	count := r.failures[key]
	r.failMu.Unlock()

	if count < failureThreshold {
		return
	}

	r.failMu.Lock()
	r.failures[key] = 0
	r.failMu.Unlock()

	msg := "Marked inactive after 3 consecutive failures"
	e.SetActive(false)
	e.SetLastError(msg)
	r.log.Error("proxy %s marked inactive: %s", key, msg)
	r.notify.OnProxyFailure(e.Host, e.Port, msg)
}

// clearFailures resets the consecutive-failure counter after a success.
func (r *Registry) clearFailures(e *entry.Entry) {
	r.failMu.Lock()
	delete(r.failures, e.Key())
	r.failMu.Unlock()
}

// RunHealthChecks probes every known entry once. Intended to be invoked by
// a ticker goroutine owned by the engine every 5 minutes (healthCheckPeriod
// documents that default for callers); kept free of goroutine lifecycle so
// it can be exercised synchronously in tests.
func (r *Registry) RunHealthChecks() {
	for _, e := range r.All() {
		r.healthCheckOne(e)
	}
}

// HealthCheckInterval is the spec-mandated period between health sweeps.
func HealthCheckInterval() time.Duration { return healthCheckPeriod }

func (r *Registry) healthCheckOne(e *entry.Entry) {
	if e.Protocol == entry.Direct {
		return
	}
	addr := net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
	conn, err := net.DialTimeout("tcp", addr, healthDialTimeout)
	if err != nil {
		r.IncrementFailure(e)
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(healthDialTimeout))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		r.IncrementFailure(e)
		return
	}
	resp := make([]byte, 2)
	if _, err := fullRead(conn, resp); err != nil {
		r.IncrementFailure(e)
		return
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		r.IncrementFailure(e)
		return
	}

	r.clearFailures(e)
	wasInactive := !e.Active()
	if wasInactive {
		e.SetActive(true)
		e.ClearLastError()
		r.log.Info("proxy %s reactivated after successful health check", e.Key())
		r.notify.OnProxyReactivated(e.Host, e.Port)
	}
}

func fullRead(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := c.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
