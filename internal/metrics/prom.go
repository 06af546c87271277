package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "oaic_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oaic_requests_total",
			Help: "Number of API requests by endpoint and status code",
		},
		[]string{"endpoint", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oaic_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	requestsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oaic_requests_inflight",
			Help: "Requests currently holding a concurrency slot",
		},
	)

	modelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oaic_model_requests_total",
			Help: "Number of model requests",
		},
		[]string{"model", "outcome"},
	)

	workersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oaic_workers_connected",
			Help: "Workers currently registered with the master",
		},
	)

	forwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oaic_forwards_total",
			Help: "Requests forwarded to workers by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requestsTotal, requestDuration, requestsInflight, modelRequests, workersConnected, forwardsTotal)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest increments the request counter and records its duration.
func RecordRequest(endpoint, status string, d time.Duration) {
	requestsTotal.WithLabelValues(endpoint, status).Inc()
	requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RequestStart marks a request as holding a concurrency slot.
func RequestStart() { requestsInflight.Inc() }

// RequestEnd releases the in-flight mark taken by RequestStart.
func RequestEnd() { requestsInflight.Dec() }

// RecordModelRequest increments the model request counter.
func RecordModelRequest(model string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	modelRequests.WithLabelValues(model, outcome).Inc()
}

// SetWorkersConnected reports the number of live workers.
func SetWorkersConnected(n int) {
	workersConnected.Set(float64(n))
}

// RecordForward increments the forward counter for an outcome such as
// "success", "error" or "transport_failed".
func RecordForward(outcome string) {
	forwardsTotal.WithLabelValues(outcome).Inc()
}
