package frontend

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftq",
		Name:      "frontend_api_requests_total",
		Help:      "API requests by route and status code",
	}, []string{"route", "status"})
	metricAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "driftq",
		Name:      "frontend_api_request_duration_seconds",
		Help:      "API request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with per-route counters and latency.
func (f *Frontend) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(metricAPIDuration.WithLabelValues(route))
		h(rec, r)
		timer.ObserveDuration()
		metricAPIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
