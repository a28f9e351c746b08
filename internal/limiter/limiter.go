// Package limiter tracks per-upstream connection counts against a
// configurable soft cap, adapted from carlosrabelo/karoo's
// internal/ratelimit. Unlike that package, which rejects a client's
// connection outright, this one never rejects: exceeding the cap is purely
// a reporting signal that Track logs, per spec's "max connections per
// proxy is a soft cap, not an enforced limit."
package limiter

import (
	"sync"
	"time"

	"github.com/nullbyte-labs/socksrotate/pkg/logger"
)

// Config controls soft-cap tracking.
type Config struct {
	Enabled                bool `json:"enabled"`
	MaxConnectionsPerProxy int  `json:"max_connections_per_proxy"`
	CleanupIntervalSeconds int  `json:"cleanup_interval_seconds"`
}

// ProxyStats tracks live connection count for one upstream key.
type ProxyStats struct {
	mu                sync.Mutex
	activeConnections int
	lastActivity      time.Time
}

// Limiter holds per-proxy stats behind a map guarded by a read-write lock.
type Limiter struct {
	cfgMu sync.RWMutex
	cfg   *Config

	mu    sync.RWMutex
	stats map[string]*ProxyStats
	log   *logger.Logger
}

// New creates a Limiter. A nil cfg disables soft-cap tracking.
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{Enabled: false, MaxConnectionsPerProxy: 50, CleanupIntervalSeconds: 60}
	}
	l := &Limiter{cfg: cfg, stats: make(map[string]*ProxyStats), log: logger.Default}
	if cfg.Enabled && cfg.CleanupIntervalSeconds > 0 {
		go l.cleanupRoutine()
	}
	return l
}

// config returns the current config under the read lock.
func (l *Limiter) config() *Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// SetConfig swaps the soft-cap configuration at runtime, backing
// engine.Service.UpdateSettings. cleanup's own ticker keeps running at its
// original interval and simply observes the new cfg.Enabled on its next
// tick; it is not restarted. If New started no cleanup routine (tracking
// disabled or a zero interval at construction), SetConfig does not start one.
func (l *Limiter) SetConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()
}

func (l *Limiter) get(proxyKey string) *ProxyStats {
	l.mu.RLock()
	stats, exists := l.stats[proxyKey]
	l.mu.RUnlock()
	if exists {
		return stats
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	stats, exists = l.stats[proxyKey]
	if !exists {
		stats = &ProxyStats{}
		l.stats[proxyKey] = stats
	}
	return stats
}

// Track records a new connection against proxyKey and reports whether the
// soft cap was exceeded as a result. Track logs the overage itself at Info
// level; it never refuses the connection.
func (l *Limiter) Track(proxyKey string) (overCap bool) {
	cfg := l.config()
	if !cfg.Enabled {
		return false
	}
	stats := l.get(proxyKey)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.activeConnections++
	stats.lastActivity = time.Now()
	if cfg.MaxConnectionsPerProxy > 0 && stats.activeConnections > cfg.MaxConnectionsPerProxy {
		l.log.Info("proxy %s exceeded soft cap of %d connections (currently %d)",
			proxyKey, cfg.MaxConnectionsPerProxy, stats.activeConnections)
		return true
	}
	return false
}

// Release decrements the active connection count for proxyKey.
func (l *Limiter) Release(proxyKey string) {
	if !l.config().Enabled {
		return
	}
	l.mu.RLock()
	stats, exists := l.stats[proxyKey]
	l.mu.RUnlock()
	if !exists {
		return
	}
	stats.mu.Lock()
	if stats.activeConnections > 0 {
		stats.activeConnections--
	}
	stats.lastActivity = time.Now()
	stats.mu.Unlock()
}

// ActiveCount returns the current tracked connection count for proxyKey.
func (l *Limiter) ActiveCount(proxyKey string) int {
	l.mu.RLock()
	stats, exists := l.stats[proxyKey]
	l.mu.RUnlock()
	if !exists {
		return 0
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.activeConnections
}

func (l *Limiter) cleanupRoutine() {
	interval := time.Duration(l.config().CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		l.cleanup()
	}
}

// cleanup drops entries that have had no active connections and no
// activity in the last 5 minutes. A no-op while SetConfig has disabled
// tracking, so a live-updated cfg is observed without restarting the ticker.
func (l *Limiter) cleanup() {
	if !l.config().Enabled {
		return
	}
	cutoff := time.Now().Add(-5 * time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, stats := range l.stats {
		stats.mu.Lock()
		stale := stats.activeConnections == 0 && stats.lastActivity.Before(cutoff)
		stats.mu.Unlock()
		if stale {
			delete(l.stats, key)
		}
	}
}
