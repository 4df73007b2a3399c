package router

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors the counter/gauge pattern pkg/eventbus and
// pkg/resilience use: a handful of Prometheus instruments, optionally
// registered; if reg is nil they still count but are not exported.
type metrics struct {
	routed        prometheus.Counter
	routingErrors prometheus.Counter
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	historySize   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		routed:        prometheus.NewCounter(prometheus.CounterOpts{Name: "router_routed_total"}),
		routingErrors: prometheus.NewCounter(prometheus.CounterOpts{Name: "router_routing_errors_total"}),
		cacheHits:     prometheus.NewCounter(prometheus.CounterOpts{Name: "router_cache_hits_total"}),
		cacheMisses:   prometheus.NewCounter(prometheus.CounterOpts{Name: "router_cache_misses_total"}),
		historySize:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "router_decision_history_size"}),
	}
	if reg != nil {
		reg.MustRegister(m.routed, m.routingErrors, m.cacheHits, m.cacheMisses, m.historySize)
	}
	return m
}
