package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "jobqueue_jobs_enqueued_total",
		Help:      "Total number of jobs enqueued",
	}, []string{"kind"})
	metricJobsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "jobqueue_jobs_deduplicated_total",
		Help:      "Singleton enqueues dropped because a pending job already existed",
	}, []string{"kind"})
	metricJobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "jobqueue_jobs_completed_total",
		Help:      "Total number of jobs completed",
	}, []string{"kind"})
	metricJobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "jobqueue_jobs_failed_total",
		Help:      "Jobs that exhausted their attempt budget",
	}, []string{"kind"})
	metricJobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "jobqueue_jobs_retried_total",
		Help:      "Job executions that errored and were rescheduled",
	}, []string{"kind"})
	metricJobsInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "driftq",
		Name:      "jobqueue_jobs_inflight",
		Help:      "Jobs currently executing",
	}, []string{"kind"})
)
