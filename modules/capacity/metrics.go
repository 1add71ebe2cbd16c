package capacity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "capacity_admitted_total",
		Help:      "Batches admitted for provider submission",
	}, []string{"model"})
	metricParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "capacity_parked_total",
		Help:      "Batches parked in the waiting queue",
	}, []string{"model", "reason"})
	metricDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "capacity_drained_total",
		Help:      "Waiting batches re-admitted by a drain",
	}, []string{"model"})
)
