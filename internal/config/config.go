// Package config defines the JSON-configurable shape of the proxy service,
// loaded and validated the way carlosrabelo/karoo's cmd/karoo main.go
// loads its own proxy.Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nullbyte-labs/socksrotate/internal/bypass"
	"github.com/nullbyte-labs/socksrotate/internal/limiter"
	"github.com/nullbyte-labs/socksrotate/internal/registry"
)

// ProxyEntry is one upstream proxy as read from the config file.
type ProxyEntry struct {
	Protocol string `json:"protocol"` // "socks5", "socks4", "http"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// BypassConfig configures the collaborator/OAST direct-dial bypass.
type BypassConfig struct {
	Enabled bool     `json:"enabled"`
	Domains []string `json:"domains,omitempty"`
}

// HTTPConfig configures the host-facing status/metrics server.
type HTTPConfig struct {
	Listen string `json:"listen,omitempty"`
}

// Config is the top-level configuration file shape.
type Config struct {
	Listen         string            `json:"listen"`
	SelectionMode  string            `json:"selection_mode"` // "random" or "round_robin"
	Proxies        []ProxyEntry      `json:"proxies"`
	Bypass         BypassConfig      `json:"bypass"`
	HTTP           HTTPConfig        `json:"http"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	RateLimit      *limiter.Config   `json:"rate_limit,omitempty"`
	MetricsNamespace string          `json:"metrics_namespace,omitempty"`
}

// Load reads and validates a Config from path, filling in defaults the way
// carlosrabelo/karoo's loadConfig does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:1080"
	}
	if cfg.SelectionMode == "" {
		cfg.SelectionMode = "round_robin"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "socksrotate"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "0.0.0.0:9090"
	}

	if len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("proxies: at least one upstream proxy is required")
	}
	for i, p := range cfg.Proxies {
		switch p.Protocol {
		case "socks5", "socks4", "http":
		default:
			return nil, fmt.Errorf("proxies[%d]: unsupported protocol %q", i, p.Protocol)
		}
		if p.Host == "" || p.Port == 0 {
			return nil, fmt.Errorf("proxies[%d]: host and port are required", i)
		}
	}

	return &cfg, nil
}

// SelectionModeValue maps the config's string selection_mode to registry's enum.
func (c *Config) SelectionModeValue() registry.SelectionMode {
	if c.SelectionMode == "random" {
		return registry.Random
	}
	return registry.RoundRobin
}

// BypassResolver builds a bypass.Resolver from the config's bypass section.
func (c *Config) BypassResolver() *bypass.Resolver {
	return bypass.New(c.Bypass.Enabled, c.Bypass.Domains)
}
