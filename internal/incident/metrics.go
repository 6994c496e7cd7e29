package incident

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aegis"

var (
	incidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "created_total",
			Help:      "Total incidents created",
		},
		[]string{"severity"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "status_transitions_total",
			Help:      "Total committed status transitions",
		},
		[]string{"from", "to"},
	)
)

func recordIncidentCreated(severity string) {
	incidentsCreated.WithLabelValues(severity).Inc()
}

func recordStatusTransition(from, to string) {
	statusTransitions.WithLabelValues(from, to).Inc()
}
