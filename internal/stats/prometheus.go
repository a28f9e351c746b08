package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors mirrors Collector's counters as Prometheus metrics.
type PrometheusCollectors struct {
	ActiveConnections  prometheus.Gauge
	ProxiesInUse       prometheus.Gauge
	ProxyFailures      prometheus.Counter
	ProxyReactivations prometheus.Counter
	ConnectionsPerProxy *prometheus.GaugeVec
}

// InitPrometheus registers (or reuses an already-registered) set of
// collectors under namespace, following carlosrabelo/karoo's
// register-or-reuse pattern so repeated calls in tests don't panic on
// prometheus.AlreadyRegisteredError.
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.ActiveConnections = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of currently active client connections",
	})).(prometheus.Gauge)

	pc.ProxiesInUse = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxies_in_use",
		Help:      "Number of distinct upstream proxies that have served a connection",
	})).(prometheus.Gauge)

	pc.ProxyFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_failures_total",
		Help:      "Total number of times a proxy was marked inactive after 3 consecutive failures",
	})).(prometheus.Counter)

	pc.ProxyReactivations = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_reactivations_total",
		Help:      "Total number of times a proxy was reactivated by a health check",
	})).(prometheus.Counter)

	pc.ConnectionsPerProxy = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_per_proxy",
		Help:      "Connections served per upstream proxy",
	}, []string{"proxy"})).(*prometheus.GaugeVec)

	return pc
}

// Sync pushes the gauge-shaped fields of a Collector snapshot into the
// Prometheus collectors. The engine calls it from its own ticker every
// StatsSyncInterval, separate from the reaper's sweep ticker.
// ProxyFailures/ProxyReactivations are counters and are incremented
// directly at the call site instead (see RegistryNotifier in notifier.go).
func (p *PrometheusCollectors) Sync(c *Collector) {
	p.ActiveConnections.Set(float64(c.ActiveCount()))
	counts := c.ConnectionCounts()
	p.ProxiesInUse.Set(float64(len(counts)))
	for proxy, n := range counts {
		p.ConnectionsPerProxy.WithLabelValues(proxy).Set(float64(n))
	}
}
