// socksrotate - SOCKS4/SOCKS4A/SOCKS5 and HTTP CONNECT proxy rotator
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullbyte-labs/socksrotate/internal/config"
	"github.com/nullbyte-labs/socksrotate/internal/engine"
	"github.com/nullbyte-labs/socksrotate/internal/entry"
	"github.com/nullbyte-labs/socksrotate/internal/limiter"
	"github.com/nullbyte-labs/socksrotate/internal/registry"
	"github.com/nullbyte-labs/socksrotate/internal/stats"
	"github.com/nullbyte-labs/socksrotate/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("socksrotate v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	statsCollector := stats.NewCollector()
	prom := stats.InitPrometheus(cfg.MetricsNamespace)
	notifier := &stats.RegistryNotifier{Collector: statsCollector, Prom: prom}

	reg := registry.New(cfg.SelectionModeValue(), notifier)
	reg.SetEntries(buildEntries(cfg))

	var rl *limiter.Limiter
	if cfg.RateLimit != nil {
		rl = limiter.New(cfg.RateLimit)
	}

	svc := engine.NewService(engine.Config{
		ListenAddr: cfg.Listen,
		Registry:   reg,
		Bypass:     cfg.BypassResolver(),
		Stats:      statsCollector,
		Limiter:    rl,
		Prom:       prom,
		MaxRetries: cfg.MaxRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)

	if cfg.HTTP.Listen != "" {
		go serveHTTP(ctx, cfg.HTTP.Listen, svc, reg)
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start engine: %v", err)
		os.Exit(1)
	}

	for {
		select {
		case <-reloadCh:
			reloadSettings(svc, *cfgFile)
		case <-sigCh:
			logger.Info("shutting down...")
			cancel()
			_ = svc.Stop()
			logger.Info("shutdown complete")
			return
		}
	}
}

// reloadSettings re-reads the config file and applies it to the running
// engine via UpdateSettings, without restarting the listener or dropping
// in-flight connections.
func reloadSettings(svc *engine.Service, cfgFile string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("reload: failed to load config: %v", err)
		return
	}
	svc.UpdateSettings(engine.Settings{
		Proxies:       buildEntries(cfg),
		SelectionMode: cfg.SelectionModeValue(),
		BypassEnabled: cfg.Bypass.Enabled,
		BypassDomains: cfg.Bypass.Domains,
		RateLimit:     cfg.RateLimit,
	})
	logger.Info("reload: settings applied from %s", cfgFile)
}

func buildEntries(cfg *config.Config) []*entry.Entry {
	entries := make([]*entry.Entry, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		var proto entry.Protocol
		switch p.Protocol {
		case "socks5":
			proto = entry.SOCKS5
		case "socks4":
			proto = entry.SOCKS4
		case "http":
			proto = entry.HTTP
		}
		entries = append(entries, entry.New(proto, p.Host, p.Port, p.Username, p.Password))
	}
	return entries
}

// serveHTTP exposes /healthz, /status and /metrics the way
// carlosrabelo/karoo's Proxy.HttpServe does, scoped to this binary rather
// than the engine library (the engine package never imports net/http).
func serveHTTP(ctx context.Context, addr string, svc *engine.Service, reg *registry.Registry) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		type proxyView struct {
			Host      string `json:"host"`
			Port      int    `json:"port"`
			Protocol  string `json:"protocol"`
			Active    bool   `json:"active"`
			LastError string `json:"last_error,omitempty"`
		}
		var views []proxyView
		for _, e := range reg.All() {
			views = append(views, proxyView{
				Host:      e.Host,
				Port:      e.Port,
				Protocol:  string(e.Protocol),
				Active:    e.Active(),
				LastError: e.LastError(),
			})
		}
		out := map[string]interface{}{
			"active_connections": svc.ActiveConnections(),
			"summary":            svc.Stats(),
			"proxies":            views,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("http: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server error: %v", err)
	}
}
