// Package metrics exposes Prometheus collectors for payments, jobs and
// background pollers.
package metrics

import (
	"net/http"
	"time"

	"sqragent/internal/poller"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqragent"

// Metrics owns a private registry so tests and multiple daemons never share
// global state.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	payments      *prometheus.CounterVec
	verifications *prometheus.CounterVec
	statusPolls   *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	alerts        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarize_requests_total",
			Help:      "Summarize requests accepted, by delivery type.",
		}, []string{"type"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_checks_total",
			Help:      "Payment signatures handled, by result.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_verifications_total",
			Help:      "On-chain transaction verifications, by outcome.",
		}, []string{"outcome"}),
		statusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_polls_total",
			Help:      "Job status queries, by reported status.",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Poller runs finished, by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to poller finish.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 2400},
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_alerts_total",
			Help:      "Refund alert deliveries, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.requests, m.payments, m.verifications, m.statusPolls, m.jobs, m.jobDuration, m.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RequestSubmitted(requestType string) {
	m.requests.WithLabelValues(requestType).Inc()
}

func (m *Metrics) PaymentChecked(result string) {
	m.payments.WithLabelValues(result).Inc()
}

// Verification is a chain.WithObserver callback.
func (m *Metrics) Verification(outcome string) {
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StatusPolled(status string) {
	m.statusPolls.WithLabelValues(status).Inc()
}

func (m *Metrics) Finished(outcome poller.Outcome, elapsed time.Duration) {
	m.jobs.WithLabelValues(string(outcome)).Inc()
	m.jobDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// AlertDelivered counts one refund alert delivery attempt.
func (m *Metrics) AlertDelivered(ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.alerts.WithLabelValues(result).Inc()
}
