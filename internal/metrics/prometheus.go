package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ignite/relay/internal/pkg/logger"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	credentialsTotal     *prometheus.CounterVec
	recipientsTotal      *prometheus.CounterVec
	batchSize            prometheus.Histogram
	batchDuration        prometheus.Histogram
	transportSetupErrors prometheus.Counter

	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	jobsActive    prometheus.Gauge
	batchRetries  prometheus.Counter
	eventsDropped prometheus.Counter
}

// NewPrometheusSink creates a sink and registers its collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		credentialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_credential_acquisitions_total",
			Help: "Credential acquisitions by source and result.",
		}, []string{"source", "result"}),
		recipientsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_recipients_total",
			Help: "Per-recipient delivery outcomes.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_batch_size",
			Help:    "Recipients per completed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_batch_duration_seconds",
			Help:    "Time to deliver one batch, excluding the inter-batch delay.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		transportSetupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_setup_errors_total",
			Help: "Batches that failed to open a transport session.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_started_total",
			Help: "Jobs that entered the running state.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_finished_total",
			Help: "Jobs by terminal state.",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_jobs_active",
			Help: "Jobs currently running in this process.",
		}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_batch_retries_total",
			Help: "Batches retried after a rotation.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_progress_events_dropped_total",
			Help: "Progress events dropped because the consumer fell behind.",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"relay_credential_acquisitions_total": s.credentialsTotal,
		"relay_recipients_total":              s.recipientsTotal,
		"relay_batch_size":                    s.batchSize,
		"relay_batch_duration_seconds":        s.batchDuration,
		"relay_transport_setup_errors_total":  s.transportSetupErrors,
		"relay_jobs_started_total":            s.jobsStarted,
		"relay_jobs_finished_total":           s.jobsFinished,
		"relay_job_duration_seconds":          s.jobDuration,
		"relay_jobs_active":                   s.jobsActive,
		"relay_batch_retries_total":           s.batchRetries,
		"relay_progress_events_dropped_total": s.eventsDropped,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("metrics: failed to register collector", "name", name, "error", err)
		}
	}
	return s
}

func (s *PrometheusSink) CredentialAcquired(source string) {
	s.credentialsTotal.WithLabelValues(source, "ok").Inc()
}

func (s *PrometheusSink) CredentialFailed(source string) {
	s.credentialsTotal.WithLabelValues(source, "error").Inc()
}

func (s *PrometheusSink) RecipientOutcome(outcome string) {
	s.recipientsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) BatchCompleted(size int, duration time.Duration) {
	s.batchSize.Observe(float64(size))
	s.batchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) TransportSetupFailed() {
	s.transportSetupErrors.Inc()
}

func (s *PrometheusSink) JobStarted() {
	s.jobsStarted.Inc()
	s.jobsActive.Inc()
}

func (s *PrometheusSink) JobFinished(state string, duration time.Duration) {
	s.jobsFinished.WithLabelValues(state).Inc()
	s.jobDuration.Observe(duration.Seconds())
	s.jobsActive.Dec()
}

func (s *PrometheusSink) BatchRetried() {
	s.batchRetries.Inc()
}

func (s *PrometheusSink) EventDropped() {
	s.eventsDropped.Inc()
}
