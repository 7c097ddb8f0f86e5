package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "softphone_transfers_total",
	Help: "Total number of transfer attempts, by mode and result",
}, []string{"mode", "result"})
