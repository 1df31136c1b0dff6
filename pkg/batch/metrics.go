package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Target outcomes as recorded in the targets_total counter
const (
	OutcomeStaged  = "staged"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics contains Prometheus metrics for a batch run
type Metrics struct {
	registry *prometheus.Registry

	targetsTotal         *prometheus.CounterVec
	subjectsTotal        *prometheus.CounterVec
	registrationDuration prometheus.Histogram
	subjectDuration      prometheus.Histogram
}

// NewMetrics creates batch metrics and registers them on registry
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}

	m.targetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tms2mni",
			Name:      "targets_total",
			Help:      "Total number of targets processed, by outcome",
		},
		[]string{"outcome", "stage"}, // stage is empty unless skipped
	)

	m.subjectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tms2mni",
			Name:      "subjects_total",
			Help:      "Total number of subjects processed, by status",
		},
		[]string{"status"}, // status: success, error
	)

	// SyN registration of a 1mm T1 takes minutes
	m.registrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tms2mni",
			Name:      "registration_duration_seconds",
			Help:      "Time taken by a single nonlinear registration",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	m.subjectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tms2mni",
			Name:      "subject_duration_seconds",
			Help:      "Time taken to process all targets of a subject",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.targetsTotal.Describe(ch)
	m.subjectsTotal.Describe(ch)
	m.registrationDuration.Describe(ch)
	m.subjectDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.targetsTotal.Collect(ch)
	m.subjectsTotal.Collect(ch)
	m.registrationDuration.Collect(ch)
	m.subjectDuration.Collect(ch)
}

// RecordTarget counts a target outcome
func (m *Metrics) RecordTarget(outcome, stage string) {
	m.targetsTotal.WithLabelValues(outcome, stage).Inc()
}

// RecordSubject counts a finished subject and its duration
func (m *Metrics) RecordSubject(err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.subjectsTotal.WithLabelValues(status).Inc()
	m.subjectDuration.Observe(elapsed.Seconds())
}

// ObserveRegistration records the duration of one registration
func (m *Metrics) ObserveRegistration(elapsed time.Duration) {
	m.registrationDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes all metrics of the registry in the node exporter
// textfile format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
