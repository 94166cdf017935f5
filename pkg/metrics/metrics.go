// Package metrics exposes Prometheus instrumentation for the orchestrator.
// All record methods are safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "haven"

// Metrics owns the registry and every collector the orchestrator records.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished   *prometheus.CounterVec
	jobsExecuted      *prometheus.CounterVec
	sourcesDiscovered *prometheus.CounterVec
	sourcesArchived   *prometheus.CounterVec
	archiveFailures   *prometheus.CounterVec
	pipelines         *prometheus.CounterVec
	pipelineDuration  prometheus.Histogram
	stepAttempts      *prometheus.CounterVec
	stepRetries       *prometheus.CounterVec
	stepFailures      *prometheus.CounterVec
	activePipelines   prometheus.Gauge
	schedulerMisfires prometheus.Counter
	executionsPruned  prometheus.Counter
}

// New builds a Metrics with its own registry, including the standard Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus by type.",
		}, []string{"type"}),
		jobsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_executed_total",
			Help:      "Job executions by plugin and outcome.",
		}, []string{"plugin", "success"}),
		sourcesDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_discovered_total",
			Help:      "Sources reported by plugin discovery.",
		}, []string{"plugin"}),
		sourcesArchived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_archived_total",
			Help:      "Sources successfully archived.",
		}, []string{"plugin"}),
		archiveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failures_total",
			Help:      "Archive attempts that failed.",
		}, []string{"plugin"}),
		pipelines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_total",
			Help:      "Finished pipelines by terminal status.",
		}, []string{"status"}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of one pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		stepAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step process attempts including retries.",
		}, []string{"step"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retries scheduled after retryable step failures.",
		}, []string{"step"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Step failures by error category.",
		}, []string{"step", "category"}),
		activePipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pipelines",
			Help:      "Pipelines currently in flight.",
		}),
		schedulerMisfires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_misfires_total",
			Help:      "Cron fires dropped because they missed the grace window.",
		}),
		executionsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_pruned_total",
			Help:      "Execution records removed by retention.",
		}),
	}
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) JobExecuted(plugin string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.jobsExecuted.WithLabelValues(plugin, label).Inc()
}

func (m *Metrics) SourcesDiscovered(plugin string, n int) {
	if m == nil {
		return
	}
	m.sourcesDiscovered.WithLabelValues(plugin).Add(float64(n))
}

func (m *Metrics) SourceArchived(plugin string) {
	if m == nil {
		return
	}
	m.sourcesArchived.WithLabelValues(plugin).Inc()
}

func (m *Metrics) ArchiveFailed(plugin string) {
	if m == nil {
		return
	}
	m.archiveFailures.WithLabelValues(plugin).Inc()
}

func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.activePipelines.Inc()
}

func (m *Metrics) PipelineFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activePipelines.Dec()
	m.pipelines.WithLabelValues(status).Inc()
	m.pipelineDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) StepAttempt(step string) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(step).Inc()
}

func (m *Metrics) StepRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) StepFailed(step, category string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step, category).Inc()
}

func (m *Metrics) MisfireDropped() {
	if m == nil {
		return
	}
	m.schedulerMisfires.Inc()
}

func (m *Metrics) ExecutionsPruned(n int64) {
	if m == nil {
		return
	}
	m.executionsPruned.Add(float64(n))
}
