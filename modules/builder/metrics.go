package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "builder_requests_accepted_total",
		Help:      "Requests accepted into a building batch",
	}, []string{"model", "endpoint"})
	metricBatchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "builder_batches_created_total",
		Help:      "Building batches created",
	}, []string{"model", "endpoint"})
	metricBatchesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "builder_batches_closed_total",
		Help:      "Building batches closed for upload",
	}, []string{"model", "reason"})
)
