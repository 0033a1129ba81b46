// Package metrics provides Prometheus instrumentation for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Peer metrics.
var (
	ConnectedEndpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionfab_connected_endpoints",
		Help: "Number of currently registered endpoints.",
	})

	ConnectedAdmins = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionfab_connected_admins",
		Help: "Number of currently connected admins.",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionfab_evictions_total",
		Help: "Total endpoint evictions caused by identity re-registration.",
	})

	StaleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionfab_stale_evictions_total",
		Help: "Total endpoints evicted for missing heartbeats.",
	})
)

// Routing metrics.
var (
	PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionfab_pending_commands",
		Help: "Commands currently in flight between admins and endpoints.",
	})

	ForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionfab_forwards_total",
		Help: "Total forwarded commands by terminal result.",
	}, []string{"result"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessionfab_forward_duration_seconds",
		Help:    "Round-trip duration of forwarded commands.",
		Buckets: prometheus.DefBuckets,
	})
)

// Envelope metrics.
var (
	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionfab_envelopes_received_total",
		Help: "Total envelopes received by the hub, by type.",
	}, []string{"type"})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionfab_protocol_errors_total",
		Help: "Total connections closed for protocol errors.",
	})
)
