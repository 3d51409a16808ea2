package alert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopopti",
			Subsystem: "alerts",
			Name:      "candidates_total",
			Help:      "Alert candidates by type and outcome (created, suppressed, failed)",
		},
		[]string{"type", "outcome"},
	)

	ruleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopopti",
			Subsystem: "alerts",
			Name:      "rule_duration_seconds",
			Help:      "Duration of a single rule runner",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"rule"},
	)
)
