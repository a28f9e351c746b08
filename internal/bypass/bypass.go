// Package bypass resolves whether a CONNECT target should skip the proxy
// registry entirely and dial directly (spec component C9), grounded on the
// suffix-matching idiom carlosrabelo/karoo's cmd/karoo main.go uses for its
// own config-driven allow/deny lists.
package bypass

import (
	"strings"
	"sync"

	"github.com/nullbyte-labs/socksrotate/internal/codec"
)

// DefaultDomains are bypassed even with an empty configuration, matching
// common collaborator/OAST callback hosts used during security testing.
var DefaultDomains = []string{"burpcollaborator.net", "oastify.com"}

// Resolver decides whether a host should bypass the proxy registry.
type Resolver struct {
	mu      sync.RWMutex
	enabled bool
	domains []string
}

// New creates a Resolver. When domains is empty, DefaultDomains is used.
func New(enabled bool, domains []string) *Resolver {
	if len(domains) == 0 {
		domains = append([]string(nil), DefaultDomains...)
	}
	return &Resolver{enabled: enabled, domains: domains}
}

// Update replaces the resolver's configuration at runtime.
func (r *Resolver) Update(enabled bool, domains []string) {
	if len(domains) == 0 {
		domains = append([]string(nil), DefaultDomains...)
	}
	r.mu.Lock()
	r.enabled = enabled
	r.domains = domains
	r.mu.Unlock()
}

// ShouldBypass reports whether host matches a bypass suffix. A match is
// either an exact match or the host ending in "." + domain, so
// "sub.burpcollaborator.net" matches "burpcollaborator.net" but
// "notburpcollaborator.net" does not.
func (r *Resolver) ShouldBypass(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled {
		return false
	}
	host = strings.ToLower(codec.StripZone(host))
	for _, d := range r.domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
