package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts completed decision cycles by outcome ("ok",
	// "fetch_error").
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpilot_cycles_total",
		Help: "Decision cycles completed, by outcome.",
	}, []string{"outcome"})

	// SignalsTotal counts signals produced by the strategy ensemble.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpilot_signals_total",
		Help: "Signals produced, by direction.",
	}, []string{"direction"})

	// GateRejectionsTotal aggregates tape-health rejections by reason.
	GateRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpilot_gate_rejections_total",
		Help: "Tape health gate rejections, by reason.",
	}, []string{"reason"})

	// RiskRejectionsTotal aggregates sizing rejections by reason.
	RiskRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpilot_risk_rejections_total",
		Help: "Risk manager rejections, by reason.",
	}, []string{"reason"})

	// IntentsEmittedTotal counts order intents that reached the sink.
	IntentsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpilot_intents_emitted_total",
		Help: "Order intents emitted, by execution mode.",
	}, []string{"mode"})

	// CircuitBreachesTotal counts daily-loss-cap trips. One per session in
	// the worst case, surfaced prominently.
	CircuitBreachesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpilot_circuit_breaches_total",
		Help: "Daily loss cap circuit breaker trips.",
	})

	// CollaboratorFailuresTotal counts upstream fetch and execution
	// submission failures.
	CollaboratorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpilot_collaborator_failures_total",
		Help: "External collaborator failures, by collaborator.",
	}, []string{"collaborator"})

	// EquityGauge tracks current account equity.
	EquityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpilot_account_equity",
		Help: "Current account equity.",
	})

	// CycleDuration observes end-to-end decision cycle latency.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optionpilot_cycle_duration_seconds",
		Help:    "Decision cycle latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the process metrics in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
