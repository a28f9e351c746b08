// Package reaper periodically sweeps tracked connections and closes the
// ones that have gone idle past their allotted timeout (spec component C8).
// The ticker-driven loop over a map guarded by a read-write lock is
// grounded on carlosrabelo/karoo's internal/vardiff Manager.Run.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/nullbyte-labs/socksrotate/pkg/logger"
)

// Timeouts per spec §4/§5.
const (
	SweepPeriod        = 30 * time.Second
	IdleTimeout        = 60 * time.Second
	ModerateIdleTimeout = 10 * time.Second
)

// Tracked is anything the reaper can evaluate and, if idle too long, close.
type Tracked interface {
	// LastActivity returns the timestamp of the connection's last I/O.
	LastActivity() time.Time
	// IsProxyConnected reports whether the connection is in the
	// PROXY_CONNECTED stage, which uses the shorter "moderately idle"
	// timeout to force rotation sooner.
	IsProxyConnected() bool
	// Close tears the connection down.
	Close() error
	// Key identifies the connection for logging.
	Key() string
}

// Reaper owns the set of tracked connections and sweeps them on a ticker.
type Reaper struct {
	mu       sync.RWMutex
	tracked  map[string]Tracked
	log      *logger.Logger
}

// New creates an empty Reaper.
func New() *Reaper {
	return &Reaper{tracked: make(map[string]Tracked), log: logger.Default}
}

// Track registers a connection for idle sweeping.
func (r *Reaper) Track(t Tracked) {
	r.mu.Lock()
	r.tracked[t.Key()] = t
	r.mu.Unlock()
}

// Untrack removes a connection, typically called from its own teardown path
// so the reaper never double-closes it.
func (r *Reaper) Untrack(key string) {
	r.mu.Lock()
	delete(r.tracked, key)
	r.mu.Unlock()
}

// Count returns the number of tracked connections.
func (r *Reaper) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracked)
}

// Run sweeps every SweepPeriod until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	now := time.Now()

	r.mu.RLock()
	snapshot := make([]Tracked, 0, len(r.tracked))
	for _, t := range r.tracked {
		snapshot = append(snapshot, t)
	}
	r.mu.RUnlock()

	for _, t := range snapshot {
		timeout := IdleTimeout
		if t.IsProxyConnected() {
			timeout = ModerateIdleTimeout
		}
		if now.Sub(t.LastActivity()) < timeout {
			continue
		}
		r.log.Info("reaping idle connection %s (idle %s)", t.Key(), now.Sub(t.LastActivity()))
		if err := t.Close(); err != nil {
			r.log.Error("error closing idle connection %s: %v", t.Key(), err)
		}
		r.Untrack(t.Key())
	}
}
