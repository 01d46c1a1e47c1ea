package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onsembl/onsembl/server/internal/connections"
)

// metricsHandler exposes the Prometheus scrape endpoint. A private registry
// keeps the output limited to process/runtime collectors and the control
// plane gauges below.
func metricsHandler(conns *connections.Manager) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "onsembl",
			Name:      "connected_agents",
			Help:      "Number of agent wrappers with a live WebSocket session.",
		}, func() float64 {
			agents, _ := conns.Counts()
			return float64(agents)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "onsembl",
			Name:      "connected_dashboards",
			Help:      "Number of dashboards with a live WebSocket session.",
		}, func() float64 {
			_, dashboards := conns.Counts()
			return float64(dashboards)
		}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
