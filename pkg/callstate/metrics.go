package callstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "softphone_active_sessions",
		Help: "Number of sessions currently tracked by the registry",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softphone_sessions_total",
		Help: "Total number of sessions created, by direction",
	}, []string{"direction"})

	linesBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "softphone_lines_busy",
		Help: "Number of lines currently bound to a session",
	})

	capacityErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softphone_dial_capacity_errors_total",
		Help: "Total number of dial attempts rejected because no line was free",
	})
)
