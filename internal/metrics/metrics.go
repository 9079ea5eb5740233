// Package metrics defines the Prometheus instruments exported by collabd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

// Flush and load outcomes used as label values.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultEmpty   = "empty"
	ResultCorrupt = "corrupt"
	ResultError   = "error"
)

// Metrics groups every instrument on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Rooms            prometheus.Gauge
	Sessions         prometheus.Gauge
	UpdatesApplied   prometheus.Counter
	UpdatesRejected  prometheus.Counter
	BroadcastDropped prometheus.Counter
	LeasesLost       prometheus.Counter
	Loads            *prometheus.CounterVec
	Flushes          *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
}

// New creates the instruments on a fresh registry, with Go and process
// collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Documents with a live replica in this process",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Authenticated connections",
		}),
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Update frames merged into a replica",
		}),
		UpdatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_rejected_total",
			Help:      "Update frames rejected as malformed or unauthorized",
		}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Events not delivered because the recipient was gone or full",
		}),
		LeasesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_lost_total",
			Help:      "Rooms closed because their document lease expired or moved",
		}),
		Loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_loads_total",
			Help:      "Document state loads by result",
		}, []string{"result"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_flushes_total",
			Help:      "Document state flushes by result",
		}, []string{"result"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_flush_duration_seconds",
			Help:      "Time spent writing document state",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
