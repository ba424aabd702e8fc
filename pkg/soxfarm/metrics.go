package soxfarm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors backing the stats surface.
// They're registered against a private registry so multiple Integrator
// instances never collide on the default global registry.
type Metrics struct {
	Registry *prometheus.Registry

	WorkersTotal  prometheus.Gauge
	WorkersReady  prometheus.Gauge
	WorkersFailed prometheus.Gauge

	BackendsEligible prometheus.Gauge

	RequestsTotal  prometheus.Counter
	RequestsFailed prometheus.Counter

	BackendSuccess *prometheus.CounterVec
	BackendFailure *prometheus.CounterVec
	BackendRestart *prometheus.CounterVec
}

// NewMetrics builds and registers the collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		WorkersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soxfarm_workers_total",
			Help: "Configured worker count.",
		}),
		WorkersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soxfarm_workers_ready",
			Help: "Workers currently in the ready state.",
		}),
		WorkersFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soxfarm_workers_failed",
			Help: "Workers currently in the failed state.",
		}),
		BackendsEligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soxfarm_backends_eligible",
			Help: "Backends currently eligible for pick() (healthy, out of cooldown).",
		}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soxfarm_requests_total",
			Help: "Client requests accepted by the HTTP load balancer.",
		}),
		RequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soxfarm_requests_failed_total",
			Help: "Client requests that exhausted retries or found no eligible backend.",
		}),
		BackendSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soxfarm_backend_success_total",
			Help: "Successful requests per backend.",
		}, []string{"worker_id"}),
		BackendFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soxfarm_backend_failure_total",
			Help: "Failed requests per backend.",
		}, []string{"worker_id"}),
		BackendRestart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soxfarm_worker_restarts_total",
			Help: "Restart attempts per worker id.",
		}, []string{"worker_id"}),
	}

	reg.MustRegister(
		m.WorkersTotal, m.WorkersReady, m.WorkersFailed, m.BackendsEligible,
		m.RequestsTotal, m.RequestsFailed,
		m.BackendSuccess, m.BackendFailure, m.BackendRestart,
	)
	return m
}
