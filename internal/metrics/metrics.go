// Package metrics defines the Prometheus collectors exported by proxyfeed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proxyfeed"

type Metrics struct {
	Fetched       *prometheus.CounterVec
	FetchErrors   *prometheus.CounterVec
	PoolSize      prometheus.Gauge
	Probes        *prometheus.CounterVec
	ProbeDuration prometheus.Histogram
	Selected      *prometheus.CounterVec
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Deliveries    *prometheus.CounterVec
}

// New registers a fresh set of collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_proxies_total",
			Help:      "Proxy records returned by sources.",
		}, []string{"source"}),
		FetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Source fetches that failed.",
		}, []string{"source"}),
		PoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Proxies in the pool after the last save.",
		}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Liveness probes by result.",
		}, []string{"result"}),
		ProbeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Time taken by a single liveness probe.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		Selected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selected_proxies_total",
			Help:      "Proxies placed in a batch, by namespace kind and selection tier.",
		}, []string{"namespace", "tier"}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Distribution cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a distribution cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Messages handed to the distributor by result.",
		}, []string{"result"}),
	}
}
