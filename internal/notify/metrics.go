package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shopopti",
		Subsystem: "alerts",
		Name:      "notifications_total",
		Help:      "Outbox delivery attempts by notifier and outcome",
	},
	[]string{"notifier", "status"},
)
