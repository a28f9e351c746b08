// Package stats tracks runtime counters for the proxy service and renders
// them as a human-readable summary and as Prometheus metrics (spec
// component C10), adapted from carlosrabelo/karoo's internal/metrics
// Collector and prometheus.go.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Collector holds process-wide counters. All fields are safe for
// concurrent use.
type Collector struct {
	active        atomic.Int64
	failures      atomic.Int64
	reactivations atomic.Int64

	mu       sync.Mutex
	perProxy map[string]int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{perProxy: make(map[string]int64)}
}

// IncrementActive records a new live connection.
func (c *Collector) IncrementActive() { c.active.Add(1) }

// DecrementActive records a connection's teardown.
func (c *Collector) DecrementActive() { c.active.Add(-1) }

// ActiveCount returns the current live connection count.
func (c *Collector) ActiveCount() int64 { return c.active.Load() }

// RecordConnection attributes one connection to proxyKey ("host:port").
func (c *Collector) RecordConnection(proxyKey string) {
	c.mu.Lock()
	c.perProxy[proxyKey]++
	c.mu.Unlock()
}

// RecordFailure increments the proxy-failed counter.
func (c *Collector) RecordFailure() { c.failures.Add(1) }

// RecordReactivation increments the proxy-reactivated counter.
func (c *Collector) RecordReactivation() { c.reactivations.Add(1) }

// FailureCount returns the cumulative proxy-failed count.
func (c *Collector) FailureCount() int64 { return c.failures.Load() }

// ReactivationCount returns the cumulative proxy-reactivated count.
func (c *Collector) ReactivationCount() int64 { return c.reactivations.Load() }

// ConnectionCounts returns a snapshot of per-proxy connection counts.
func (c *Collector) ConnectionCounts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.perProxy))
	for k, v := range c.perProxy {
		out[k] = v
	}
	return out
}

// busiest returns the proxy key with the most connections and its count, or
// ("", 0) if no proxy has been used yet.
func (c *Collector) busiest() (string, int64) {
	counts := c.ConnectionCounts()
	var key string
	var max int64
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > max {
			key, max = k, counts[k]
		}
	}
	return key, max
}

// GetStats renders "Active connections: N | Using K proxies[, busiest:
// host:port(M)]", with the busiest suffix only shown once it exceeds 2
// connections.
func (c *Collector) GetStats() string {
	counts := c.ConnectionCounts()
	base := fmt.Sprintf("Active connections: %d | Using %d proxies", c.ActiveCount(), len(counts))
	key, max := c.busiest()
	if max > 2 {
		base += fmt.Sprintf(", busiest: %s(%d)", key, max)
	}
	return base
}
