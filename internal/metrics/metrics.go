// Package metrics holds the prometheus collectors of the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry_bridge"

type Metrics struct {
	EnvelopesTotal        *prometheus.CounterVec
	DecodeErrorsTotal     *prometheus.CounterVec
	AuthAttemptsTotal     *prometheus.CounterVec
	AuthExhaustedTotal    prometheus.Counter
	RejectedTotal         *prometheus.CounterVec
	SequenceVerdictsTotal *prometheus.CounterVec
	SequenceGapsTotal     prometheus.Counter
	RecordsAggregated     prometheus.Counter
	HandlerFailuresTotal  *prometheus.CounterVec
	ActiveConnections     prometheus.Gauge
	RelayDroppedTotal     prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry
// together with the process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		EnvelopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Decoded envelopes by type.",
		}, []string{"type"}),
		DecodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Envelopes rejected by the codec, by reason.",
		}, []string{"reason"}),
		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by result.",
		}, []string{"result"}),
		AuthExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_exhausted_total",
			Help:      "Connections closed after too many failed authentication attempts.",
		}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Envelopes rejected after decoding, by reason.",
		}, []string{"reason"}),
		SequenceVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_verdicts_total",
			Help:      "Sequence classifications by verdict.",
		}, []string{"verdict"}),
		SequenceGapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gap_records_total",
			Help:      "Sequence numbers skipped by accepted records.",
		}),
		RecordsAggregated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_aggregated_total",
			Help:      "Telemetry records added to the statistics.",
		}),
		HandlerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Dispatch handler failures by subscription pattern.",
		}, []string{"pattern"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open WebSocket connections.",
		}),
		RelayDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Relayed envelopes dropped because a client send buffer was full.",
		}),
		gatherer: g,
	}
	reg.MustRegister(
		m.EnvelopesTotal,
		m.DecodeErrorsTotal,
		m.AuthAttemptsTotal,
		m.AuthExhaustedTotal,
		m.RejectedTotal,
		m.SequenceVerdictsTotal,
		m.SequenceGapsTotal,
		m.RecordsAggregated,
		m.HandlerFailuresTotal,
		m.ActiveConnections,
		m.RelayDroppedTotal,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
