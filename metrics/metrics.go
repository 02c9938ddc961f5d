// Package metrics exposes queue activity and state as Prometheus metrics on a
// private registry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/task"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	tasksEnqueued  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	boosts         prometheus.Counter
	batchesCreated prometheus.Counter

	// Gauges, refreshed from queue statistics
	tasksByStatus     *prometheus.GaugeVec
	pendingByPriority *prometheus.GaugeVec
	queueSize         prometheus.Gauge
	avgWait           prometheus.Gauge
	oldestPending     prometheus.Gauge

	// Histograms
	waitDuration *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
}

// New creates and registers all metrics. Go runtime and process collectors
// are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskq_tasks_enqueued_total",
				Help: "Total number of tasks added to the queue",
			},
			[]string{"category"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskq_task_transitions_total",
				Help: "Total number of committed task lifecycle events",
			},
			[]string{"type"},
		),
		boosts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskq_task_boosts_total",
				Help: "Total number of age-based priority promotions",
			},
		),
		batchesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskq_batches_created_total",
				Help: "Total number of batches built",
			},
		),
		tasksByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskq_tasks",
				Help: "Current number of tasks by status",
			},
			[]string{"status"},
		),
		pendingByPriority: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskq_tasks_pending_by_priority",
				Help: "Current number of pending tasks by priority",
			},
			[]string{"priority"},
		),
		queueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskq_working_queue_size",
				Help: "Entries held by the in-memory working queue",
			},
		),
		avgWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskq_task_avg_wait_seconds",
				Help: "Average creation-to-start wait over started tasks",
			},
		),
		oldestPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskq_task_oldest_pending_hours",
				Help: "Age of the oldest pending task",
			},
		),
		waitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskq_task_wait_seconds",
				Help:    "Time from creation to start",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 8 * 3600, 24 * 3600},
			},
			[]string{"priority"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskq_task_run_seconds",
				Help:    "Time from start to completion or failure",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.tasksEnqueued,
		m.transitions,
		m.boosts,
		m.batchesCreated,
		m.tasksByStatus,
		m.pendingByPriority,
		m.queueSize,
		m.avgWait,
		m.oldestPending,
		m.waitDuration,
		m.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to every bus event.
func (m *Metrics) Attach(bus comms.Bus) func() {
	return bus.Subscribe(comms.Wildcard, m.Handle)
}

// Handle records one lifecycle event.
func (m *Metrics) Handle(_ context.Context, ev *comms.Event) error {
	m.transitions.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case comms.TypeTaskCreated:
		category := task.CategoryOther
		if ev.Task != nil {
			category = ev.Task.Category
		}
		m.tasksEnqueued.WithLabelValues(category).Inc()
	case comms.TypeTaskBoosted:
		m.boosts.Inc()
	case comms.TypeBatchCreated:
		m.batchesCreated.Inc()
	case comms.TypeTaskStarted:
		if t := ev.Task; t != nil && t.StartedAt != nil {
			m.waitDuration.WithLabelValues(t.Priority.String()).Observe(t.StartedAt.Sub(t.CreatedAt).Seconds())
		}
	case comms.TypeTaskCompleted, comms.TypeTaskFailed:
		if t := ev.Task; t != nil && t.StartedAt != nil && t.CompletedAt != nil {
			m.runDuration.WithLabelValues(string(t.Status)).Observe(t.CompletedAt.Sub(*t.StartedAt).Seconds())
		}
	}
	return nil
}

// Observe refreshes the state gauges from a statistics snapshot.
func (m *Metrics) Observe(st *task.Stats) {
	m.tasksByStatus.WithLabelValues(string(task.StatusPending)).Set(float64(st.PendingCount))
	m.tasksByStatus.WithLabelValues(string(task.StatusRunning)).Set(float64(st.RunningCount))
	m.tasksByStatus.WithLabelValues(string(task.StatusCompleted)).Set(float64(st.CompletedCount))
	m.tasksByStatus.WithLabelValues(string(task.StatusFailed)).Set(float64(st.FailedCount))
	m.tasksByStatus.WithLabelValues(string(task.StatusBlocked)).Set(float64(st.BlockedCount))
	for _, p := range task.Priorities() {
		m.pendingByPriority.WithLabelValues(p.Name()).Set(float64(st.PendingByPriority[p.Name()]))
	}
	m.queueSize.Set(float64(st.QueueSize))
	m.avgWait.Set(st.AvgWaitSeconds)
	m.oldestPending.Set(st.OldestPendingHours)
}
