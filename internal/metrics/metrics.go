// Package metrics registers the Prometheus collectors the engine exposes
// through the admin API's /metrics route (spec.md's "metrics registry"
// collaborator, ambient stack per SPEC_FULL.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "taskqueue"
	subsystem = "engine"
)

// Registry holds the engine's collectors. The scheduler is the component
// that updates them while running (picks, running tasks, loop latency);
// the Queue takes no Registry, so the resolved, step and rate-limited
// counters change only through their Record methods.
type Registry struct {
	TasksPickedTotal    *prometheus.CounterVec
	TasksResolvedTotal  *prometheus.CounterVec
	StepsRecordedTotal  *prometheus.CounterVec
	SchedulerLoopLatency prometheus.Histogram
	TasksRunning        prometheus.Gauge
	RateLimitedTotal    *prometheus.CounterVec
}

// New creates and registers the engine's collectors against reg. Pass nil
// to register against prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Registry{
		TasksPickedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_picked_total",
				Help:      "Total number of tasks picked off a queue for execution.",
			},
			[]string{"queue"},
		),
		TasksResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_resolved_total",
				Help:      "Total number of tasks that reached a terminal status.",
			},
			[]string{"queue", "job", "status"},
		),
		StepsRecordedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "steps_recorded_total",
				Help:      "Total number of step checkpoints recorded.",
			},
			[]string{"queue", "job", "status"},
		),
		SchedulerLoopLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_loop_latency_seconds",
				Help:      "Time spent picking and dispatching the next runnable task.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		TasksRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_running",
				Help:      "Number of tasks currently executing across all workers.",
			},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limited_total",
				Help:      "Total number of dispatches rejected by a rate limit.",
			},
			[]string{"queue", "job"},
		),
	}
}

// RecordPick increments the picked-task counter for queue.
func (r *Registry) RecordPick(queue string) {
	r.TasksPickedTotal.WithLabelValues(queue).Inc()
}

// RecordResolved increments the resolved-task counter for (queue, job, status).
func (r *Registry) RecordResolved(queue, job, status string) {
	r.TasksResolvedTotal.WithLabelValues(queue, job, status).Inc()
}

// RecordStep increments the step-recorded counter for (queue, job, status).
func (r *Registry) RecordStep(queue, job, status string) {
	r.StepsRecordedTotal.WithLabelValues(queue, job, status).Inc()
}

// RecordRateLimited increments the rate-limited counter for (queue, job).
func (r *Registry) RecordRateLimited(queue, job string) {
	r.RateLimitedTotal.WithLabelValues(queue, job).Inc()
}

// ObserveLoopLatency records one scheduler loop iteration's duration in
// seconds.
func (r *Registry) ObserveLoopLatency(seconds float64) {
	r.SchedulerLoopLatency.Observe(seconds)
}

// TaskStarted and TaskFinished track in-flight task count.
func (r *Registry) TaskStarted()  { r.TasksRunning.Inc() }
func (r *Registry) TaskFinished() { r.TasksRunning.Dec() }
