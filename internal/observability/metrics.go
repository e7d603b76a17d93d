package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "litestack"

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the process collectors
type Metrics struct {
	registry *prometheus.Registry

	CommandJobs          *prometheus.CounterVec
	CommandJobDuration   *prometheus.HistogramVec
	JobsRejected         prometheus.Counter
	Provisionings        *prometheus.CounterVec
	ProvisioningDuration prometheus.Histogram
	CleanupFailures      prometheus.Counter
	MissingInstances     prometheus.Counter
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CommandJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_jobs_total",
			Help:      "Remote command jobs by command, action and outcome.",
		}, []string{"command", "action", "outcome"}),
		CommandJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_job_duration_seconds",
			Help:      "Duration of remote command jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"command", "action"}),
		JobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_jobs_rejected_total",
			Help:      "Command jobs rejected because the queue was full.",
		}),
		Provisionings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisionings_total",
			Help:      "Server provisioning attempts by outcome.",
		}, []string{"outcome"}),
		ProvisioningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_duration_seconds",
			Help:      "Duration of server provisioning.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_cleanup_failures_total",
			Help:      "Provisioning rollbacks that left cloud resources behind.",
		}),
		MissingInstances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_instances_total",
			Help:      "Owned servers whose cloud instance no longer exists, seen while listing.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CommandJobs,
		m.CommandJobDuration,
		m.JobsRejected,
		m.Provisionings,
		m.ProvisioningDuration,
		m.CleanupFailures,
		m.MissingInstances,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// Registerer exposes the registry for extra collectors
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// QueueDepth registers a gauge reporting the job queue length
func (m *Metrics) QueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "command_job_queue_depth",
		Help:      "Command jobs waiting for a worker.",
	}, func() float64 {
		return float64(depth())
	}))
}

// ObserveCommandJob records the outcome of a command job
func (m *Metrics) ObserveCommandJob(command, action string, err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.CommandJobs.WithLabelValues(command, action, outcome).Inc()
	m.CommandJobDuration.WithLabelValues(command, action).Observe(duration.Seconds())
}

// ObserveProvisioning records the outcome of a provisioning attempt
func (m *Metrics) ObserveProvisioning(err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Provisionings.WithLabelValues(outcome).Inc()
	m.ProvisioningDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
