package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pegmint/internal/orchestrator"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	sequencesTotal     *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	refreshesTotal     *prometheus.CounterVec
	runPhase           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	sequences := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pegmint_sequences_total",
		Help: "Mint/redeem sequences by terminal status",
	}, []string{"kind", "status"})

	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pegmint_validation_failures_total",
		Help: "Rejected amount submissions by reason",
	}, []string{"reason"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pegmint_balance_refreshes_total",
		Help: "Balance refresh attempts by result",
	}, []string{"result"})

	phase := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pegmint_run_phase",
		Help: "Current transaction run phase (see phase index mapping)",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(sequences, validations, refreshes, phase)

	return &metricsRegistry{
		registry:           r,
		sequencesTotal:     sequences,
		validationFailures: validations,
		refreshesTotal:     refreshes,
		runPhase:           phase,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSequence(kind, status string) {
	m.sequencesTotal.WithLabelValues(kind, status).Inc()
}

func (m *metricsRegistry) incValidationFailure(reason string) {
	m.validationFailures.WithLabelValues(reason).Inc()
}

func (m *metricsRegistry) incRefresh(result string) {
	m.refreshesTotal.WithLabelValues(result).Inc()
}

var phaseIndex = map[orchestrator.Phase]float64{
	orchestrator.PhaseIdle:                      0,
	orchestrator.PhaseValidating:                1,
	orchestrator.PhaseAwaitingApprovalSignature: 2,
	orchestrator.PhaseApprovalPending:           3,
	orchestrator.PhaseAwaitingMintSignature:     4,
	orchestrator.PhaseMintPending:               5,
	orchestrator.PhaseAwaitingRedeemSignature:   6,
	orchestrator.PhaseRedeemPending:             7,
	orchestrator.PhaseSucceeded:                 8,
	orchestrator.PhaseFailed:                    9,
}

func (m *metricsRegistry) setPhase(p orchestrator.Phase) {
	m.runPhase.Set(phaseIndex[p])
}
