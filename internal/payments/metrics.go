package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow_payments",
			Name:      "push_requests_total",
			Help:      "Push payment initiations by result",
		},
		[]string{"result"},
	)

	callbacksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow_payments",
			Name:      "callbacks_total",
			Help:      "Gateway callbacks by reconciliation outcome",
		},
		[]string{"outcome"},
	)
)
