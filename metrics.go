package kmip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmip_operations_total",
			Help: "Total number of processed KMIP batch items, by operation and result.",
		},
		[]string{"operation", "result"},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kmip_active_sessions",
			Help: "Number of open client sessions.",
		},
	)
)
