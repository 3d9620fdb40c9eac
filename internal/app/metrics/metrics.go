// Package metrics exposes orchestration counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "interviewd"

type Metrics struct {
	StateTransitions    *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	NegotiationFailures prometheus.Counter
	FallbackAttempts    *prometheus.CounterVec
	SignalReconnects    *prometheus.CounterVec
	DroppedMessages     *prometheus.CounterVec
	TurnSubmissions     *prometheus.CounterVec
	RTPPackets          *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_transitions_total",
			Help: "Session state transitions.",
		}, []string{"from", "to"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions not yet ended.",
		}),
		NegotiationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "negotiation_failures_total",
			Help: "Direct negotiations that failed or timed out.",
		}),
		FallbackAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fallback_attempts_total",
			Help: "Hosted fallback migrations by outcome.",
		}, []string{"outcome"}),
		SignalReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_reconnects_total",
			Help: "Signaling reconnect attempts by outcome.",
		}, []string{"outcome"}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_dropped_total",
			Help: "Inbound signaling messages without a handler.",
		}, []string{"category", "action"}),
		TurnSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turn_submissions_total",
			Help: "AI turn submissions by result.",
		}, []string{"result"}),
		RTPPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtp_packets_total",
			Help: "Remote RTP packets forwarded by track kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.StateTransitions,
		m.ActiveSessions,
		m.NegotiationFailures,
		m.FallbackAttempts,
		m.SignalReconnects,
		m.DroppedMessages,
		m.TurnSubmissions,
		m.RTPPackets,
	)
	return m
}

// NewNop returns collectors bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
