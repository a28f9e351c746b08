package stats

// RegistryNotifier adapts a Collector (and, optionally, its Prometheus
// mirror) to satisfy registry.Notifier by structural typing, so this
// package never needs to import internal/registry.
type RegistryNotifier struct {
	Collector *Collector
	Prom      *PrometheusCollectors
}

// OnProxyFailure implements registry.Notifier.
func (n *RegistryNotifier) OnProxyFailure(host string, port int, message string) {
	n.Collector.RecordFailure()
	if n.Prom != nil {
		n.Prom.ProxyFailures.Inc()
	}
}

// OnProxyReactivated implements registry.Notifier.
func (n *RegistryNotifier) OnProxyReactivated(host string, port int) {
	n.Collector.RecordReactivation()
	if n.Prom != nil {
		n.Prom.ProxyReactivations.Inc()
	}
}
