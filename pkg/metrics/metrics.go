package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
)

const namespace = "vidgen"

// Metrics holds the process counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	polls           *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	persistFailures *prometheus.CounterVec
	jobs            *prometheus.GaugeVec
}

// New creates metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Job submissions by kind and outcome reason",
			},
			[]string{"kind", "result"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_polls_total",
				Help:      "Status queries by outcome reason",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Observed job status changes by target status",
			},
			[]string{"to"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_cycle_duration_seconds",
				Help:      "Duration of a full polling cycle",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Video downloads by outcome reason",
			},
			[]string{"result"},
		),
		downloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes written by successful downloads",
			},
		),
		persistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_persist_failures_total",
				Help:      "Failed writes of the persisted job list",
			},
			[]string{"backend"},
		),
		jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs",
				Help:      "Tracked jobs by status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.submissions,
		m.polls,
		m.transitions,
		m.cycleDuration,
		m.downloads,
		m.downloadBytes,
		m.persistFailures,
		m.jobs,
	)
	return m
}

// ObserveSubmission counts a create attempt
func (m *Metrics) ObserveSubmission(kind string, err error) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, errdefs.Reason(err)).Inc()
}

// ObservePoll counts a status query
func (m *Metrics) ObservePoll(err error) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(errdefs.Reason(err)).Inc()
}

// ObserveTransition counts a status change
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// ObserveCycle records how long a polling cycle took
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// ObserveDownload counts a finished download attempt sequence
func (m *Metrics) ObserveDownload(bytes int64, err error) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(errdefs.Reason(err)).Inc()
	if err == nil && bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
}

// ObservePersistFailure counts a failed store write
func (m *Metrics) ObservePersistFailure(backend string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(backend).Inc()
}

// SetJobCounts replaces the jobs-by-status gauge
func (m *Metrics) SetJobCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.jobs.Reset()
	for status, n := range counts {
		m.jobs.WithLabelValues(status).Set(float64(n))
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText dumps all metric families in text format
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric family: %w", err)
		}
	}
	return nil
}
