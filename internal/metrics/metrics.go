// Package metrics provides Prometheus metrics for supeer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/1ureka/supeer/internal/util"
)

const namespace = "supeer"

// Metrics holds the Prometheus registry for one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry
}

// New creates a registry with the Go and process collectors and counters
// reading util.Stats.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stat := func(v interface{ Load() int64 }) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total tunnelled connections opened.",
		}, stat(&util.Stats.TotalConns)),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total tunnelled connections closed.",
		}, stat(&util.Stats.ClosedConns)),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open tunnelled connections.",
		}, func() float64 { return float64(util.Stats.ActiveConns()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "peer_bytes_total",
			Help:        "Total bytes carried over peer links.",
			ConstLabels: prometheus.Labels{"direction": "sent"},
		}, stat(&util.Stats.BytesSent)),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "peer_bytes_total",
			Help:        "Total bytes carried over peer links.",
			ConstLabels: prometheus.Labels{"direction": "received"},
		}, stat(&util.Stats.BytesRecv)),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_admissions_total",
			Help:      "Total guests admitted by lobbies.",
		}, stat(&util.Stats.Admissions)),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_joins_total",
			Help:      "Total successful lobby joins.",
		}, stat(&util.Stats.Joins)),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_join_timeouts_total",
			Help:      "Total lobby joins that timed out.",
		}, stat(&util.Stats.Timeouts)),
	)

	return &Metrics{Registry: reg}
}

// Gauge registers a gauge read from fn on every scrape, for component
// state such as connected guests or relay connections.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
