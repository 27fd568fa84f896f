// Package observability exposes run metrics in Prometheus text format for the node-exporter
// textfile collector.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"oracle-audit/internal/domain"
)

const namespace = "oracle_audit"

// Metrics holds one run's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	DetectorEvaluated *prometheus.CounterVec
	DetectorSkipped   *prometheus.CounterVec
	DetectorFindings  *prometheus.CounterVec
	DetectorDuration  *prometheus.HistogramVec

	RowsLoaded     prometheus.Counter
	RowsDropped    *prometheus.CounterVec
	SourcesSkipped prometheus.Counter
	Flags          *prometheus.CounterVec

	RunDuration prometheus.Gauge
	LastRun     prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		DetectorEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "evaluated_total",
			Help:      "Units evaluated per detector",
		}, []string{"detector"}),
		DetectorSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "skipped_total",
			Help:      "Units skipped per detector and reason",
		}, []string{"detector", "reason"}),
		DetectorFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "findings_total",
			Help:      "Findings emitted per detector",
		}, []string{"detector"}),
		DetectorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "duration_seconds",
			Help:      "Detector wall time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"detector"}),
		RowsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "rows_total",
			Help:      "Submission rows read",
		}),
		RowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "dropped_rows_total",
			Help:      "Submission rows dropped by reason",
		}, []string{"reason"}),
		SourcesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "skipped_sources_total",
			Help:      "Submission files skipped",
		}),
		Flags: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flags_total",
			Help:      "Flags emitted by reason",
		}, []string{"reason"}),
		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last analysis run",
		}),
		LastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last analysis run finished",
		}),
	}
}

// ObserveDetector records one detector report.
func (m *Metrics) ObserveDetector(r domain.DetectorReport) {
	m.DetectorEvaluated.WithLabelValues(r.Name).Add(float64(r.Evaluated))
	m.DetectorFindings.WithLabelValues(r.Name).Add(float64(r.Flags))
	m.DetectorDuration.WithLabelValues(r.Name).Observe(r.Duration.Seconds())
	for reason, n := range r.Reasons {
		m.DetectorSkipped.WithLabelValues(r.Name, reason).Add(float64(n))
	}
}

// ObserveLoad records loader statistics.
func (m *Metrics) ObserveLoad(s domain.LoadStats) {
	m.RowsLoaded.Add(float64(s.Rows))
	m.SourcesSkipped.Add(float64(len(s.SkippedSources)))
	for reason, n := range s.DropReasons {
		m.RowsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveRun records the flags and timing of a finished run.
func (m *Metrics) ObserveRun(flags []domain.Flag, took time.Duration, finished time.Time) {
	for _, f := range flags {
		for _, r := range f.Reasons {
			m.Flags.WithLabelValues(string(r)).Inc()
		}
	}
	m.RunDuration.Set(took.Seconds())
	m.LastRun.Set(float64(finished.Unix()))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every metric to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
