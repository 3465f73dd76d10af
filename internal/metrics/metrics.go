// Package metrics exposes Prometheus collectors and the sliding-window
// aggregator that publishes MetricsSnapshot events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "hftsim_ticks_total", Help: "Count of market ticks ingested"},
		[]string{"instrument"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "hftsim_orders_total", Help: "Orders accepted by the engine"},
		[]string{"instrument", "side"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "hftsim_fills_total", Help: "Orders filled by the engine"},
		[]string{"instrument"},
	)
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hftsim_command_latency_seconds",
			Help:    "Time from command submission to completion",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"command"},
	)
	TicksPerSecond = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "hftsim_ticks_per_second", Help: "Tick rate over the trailing window"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, OrdersTotal, FillsTotal, CommandLatency, TicksPerSecond)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }

// Serve starts a /metrics listener in the background. Callers own shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
