package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "driftq",
	Name:      "delivery_attempts_total",
	Help:      "Delivery attempts by sink type and outcome",
}, []string{"sink", "outcome"})
