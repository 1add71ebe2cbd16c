package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUploads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_uploads_total",
		Help:      "Batch input files uploaded to the provider",
	})
	metricSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_submissions_total",
		Help:      "Batches submitted to the provider",
	}, []string{"model"})
	metricPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_polls_total",
		Help:      "Provider status polls by reported status",
	}, []string{"status"})
	metricExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_expirations_total",
		Help:      "Provider-side batch expirations by kind",
	}, []string{"kind"})
	metricResultRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_result_rows_total",
		Help:      "Result file rows classified onto requests",
	}, []string{"result"})
	metricBatchesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_batches_failed_total",
		Help:      "Batches that reached the failed state",
	}, []string{"model"})
	metricBatchesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "workflow_batches_finalized_total",
		Help:      "Batches finalized after delivery by terminal state",
	}, []string{"state"})
)
