package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmip_policy_reloads_total",
			Help: "Total number of policy file loads, by result.",
		},
		[]string{"result"},
	)
	generationGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kmip_policy_generation",
			Help: "Generation of the live policy set.",
		},
	)
)
