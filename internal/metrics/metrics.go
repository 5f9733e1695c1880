// Package metrics declares the Prometheus collectors this control plane
// exposes, as a package-level var block registered in init().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job queue metrics
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by kind",
		},
		[]string{"kind"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_jobs_completed_total",
			Help: "Total number of jobs completed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to dead-letter by kind",
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployerd_queue_depth",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployerd_job_duration_seconds",
			Help:    "Time taken to execute a job in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_deployments_total",
			Help: "Total number of deployments by environment and status",
		},
		[]string{"environment", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployerd_deployment_duration_seconds",
			Help:    "Deployment duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"environment"},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_deployments_rolled_back_total",
			Help: "Total number of deployments that were rolled back",
		},
		[]string{"reason"},
	)

	// Swarm convergence metrics
	ConvergenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployerd_convergence_duration_seconds",
			Help:    "Time taken for a stack to converge in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConvergenceTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deployerd_convergence_timeouts_total",
			Help: "Total number of convergence attempts that exceeded their timeout",
		},
	)

	// Health monitor metrics
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_health_probes_total",
			Help: "Total number of health probes by outcome",
		},
		[]string{"outcome"},
	)

	OpenAlertsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployerd_open_alerts",
			Help: "Current number of open alerts by type and severity",
		},
		[]string{"type", "severity"},
	)

	// Certificate metrics
	CertificatesExpiringTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployerd_certificates_expiring_soon",
			Help: "Number of certificates within the renewal window",
		},
	)

	CertificateRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_certificate_renewals_total",
			Help: "Total number of certificate renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Scheduler metrics
	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployerd_scheduler_runs_total",
			Help: "Total number of scheduled trigger runs by task",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsCompletedTotal,
		JobsDeadLetteredTotal,
		QueueDepth,
		JobDuration,
		DeploymentsTotal,
		DeploymentDuration,
		RolledBackDeploymentsTotal,
		ConvergenceDuration,
		ConvergenceTimeoutsTotal,
		HealthProbesTotal,
		OpenAlertsTotal,
		CertificatesExpiringTotal,
		CertificateRenewalsTotal,
		SchedulerRunsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording it to a
// histogram when it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time to a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
