package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aegis"

var (
	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "state_transitions_total",
			Help:      "Workflow state transitions",
		},
		[]string{"state"},
	)

	executionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Workflow executions by terminal status",
		},
		[]string{"status"},
	)

	activeExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "active_executions",
			Help:      "Currently running workflow executions",
		},
	)

	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "escalations_total",
			Help:      "Escalations triggered by severity",
		},
		[]string{"severity"},
	)
)

func recordTransition(state State) {
	stateTransitions.WithLabelValues(string(state)).Inc()
}

func recordCompletion(status ExecutionStatus) {
	executionsCompleted.WithLabelValues(string(status)).Inc()
}

func recordEscalation(severity string) {
	escalations.WithLabelValues(severity).Inc()
}
