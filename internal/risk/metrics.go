package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate metrics are package level and labelled by instance so several gates can share one registry.
var (
	gateHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusion_gate_halted",
		Help: "1 while the risk gate is halted",
	}, []string{"instance"})

	gateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_gate_transitions_total",
		Help: "Risk gate state transitions",
	}, []string{"instance", "from", "to", "cause"})

	gateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_gate_rejections_total",
		Help: "Candidates vetoed by the risk gate, by reason",
	}, []string{"instance", "reason"})

	gateApprovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_gate_approvals_total",
		Help: "Candidates that passed every gate check",
	}, []string{"instance"})

	consecutiveLossesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusion_consecutive_losses",
		Help: "Current losing streak",
	}, []string{"instance"})

	dailyLossGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusion_daily_loss",
		Help: "Gross realized loss for the current trading day",
	}, []string{"instance"})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_executions_total",
		Help: "Entries recorded by the risk gate",
	}, []string{"instance"})
)
