// Package metrics defines the Prometheus instruments exported by runbox.
//
// All collectors are created against an explicit Registerer so tests can use
// a private registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runbox"

// Stage label values
const (
	StageCompile = "compile"
	StageRun     = "run"
	StageTotal   = "total"
)

// Metrics holds the runbox collectors.
type Metrics struct {
	SubmissionsTotal  *prometheus.CounterVec
	SubmissionSeconds *prometheus.HistogramVec
	RejectedTotal     prometheus.Counter
	QueueDepth        prometheus.Gauge
	ActiveSubmissions prometheus.Gauge
	PeakMemoryBytes   *prometheus.HistogramVec
	Instances         *prometheus.GaugeVec
	ProvisionSeconds  prometheus.Histogram
	ProvisionFailures prometheus.Counter
	ReapedTotal       *prometheus.CounterVec
	InternalErrors    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of finished submissions",
		}, []string{"language", "status"}),
		SubmissionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of submission stages",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"language", "stage"}),
		RejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Submissions rejected by admission control",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Submissions waiting for an admission slot",
		}),
		ActiveSubmissions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_submissions",
			Help:      "Submissions holding an admission slot",
		}),
		PeakMemoryBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peak_memory_bytes",
			Help:      "Peak sampled memory of the run stage",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
		}, []string{"language"}),
		Instances: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandbox_instances",
			Help:      "Tracked sandbox instances by state",
		}, []string{"state"}),
		ProvisionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_provision_seconds",
			Help:      "Time to create and start a sandbox",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		ProvisionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_provision_failures_total",
			Help:      "Failed sandbox provisioning attempts",
		}),
		ReapedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_total",
			Help:      "Sandboxes destroyed by the reaper",
		}, []string{"reason"}),
		InternalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "internal_errors_total",
			Help:      "Submissions that ended in an internal error",
		}),
	}
}

// Handler serves the gathered metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveSubmission records a finished submission.
func (m *Metrics) ObserveSubmission(language, status string, total time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(language, status).Inc()
	m.SubmissionSeconds.WithLabelValues(language, StageTotal).Observe(total.Seconds())
}

// ObserveStage records the duration of a compile or run stage.
func (m *Metrics) ObserveStage(language, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionSeconds.WithLabelValues(language, stage).Observe(d.Seconds())
}

// ObservePeakMemory records the sampled peak of a run stage.
func (m *Metrics) ObservePeakMemory(language string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.PeakMemoryBytes.WithLabelValues(language).Observe(float64(bytes))
}

// Rejected counts an admission rejection.
func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.RejectedTotal.Inc()
}

// QueueDelta adjusts the queue depth gauge.
func (m *Metrics) QueueDelta(d float64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(d)
}

// ActiveDelta adjusts the active submissions gauge.
func (m *Metrics) ActiveDelta(d float64) {
	if m == nil {
		return
	}
	m.ActiveSubmissions.Add(d)
}

// InstanceTransition moves one instance between state gauges. Empty state
// names are skipped.
func (m *Metrics) InstanceTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Instances.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Instances.WithLabelValues(to).Inc()
	}
}

// ObserveProvision records one provisioning attempt.
func (m *Metrics) ObserveProvision(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ProvisionFailures.Inc()
		return
	}
	m.ProvisionSeconds.Observe(d.Seconds())
}

// Reaped counts a reaper destroy.
func (m *Metrics) Reaped(reason string) {
	if m == nil {
		return
	}
	m.ReapedTotal.WithLabelValues(reason).Inc()
}

// InternalError counts a degradation event.
func (m *Metrics) InternalError() {
	if m == nil {
		return
	}
	m.InternalErrors.Inc()
}
