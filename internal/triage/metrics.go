package triage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var incidentsTriaged = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "triage",
		Name:      "incidents_total",
		Help:      "Incidents triaged by recommended severity",
	},
	[]string{"severity"},
)

func recordTriaged(severity string) {
	incidentsTriaged.WithLabelValues(severity).Inc()
}
