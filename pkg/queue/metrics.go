package queue

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the prometheus surface of the scheduler.
type Metrics struct {
	registry *prometheus.Registry

	QueueChecksStarted    prometheus.Counter
	QueueBuildLoads       prometheus.Counter
	QueueStepsCreated     prometheus.Counter
	QueueChecksEarlyExits prometheus.Counter
	QueueChecksFinished   prometheus.Counter

	DispatcherTimeSpentRunning prometheus.Counter
	DispatcherTimeSpentWaiting prometheus.Counter

	QueueMonitorTimeSpentRunning prometheus.Counter
	QueueMonitorTimeSpentWaiting prometheus.Counter
}

// NewMetrics builds the metric set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		QueueChecksStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_checks_started_total",
			Help: "Number of queue reconciliation passes started",
		}),
		QueueBuildLoads: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_build_loads_total",
			Help: "Number of builds loaded",
		}),
		QueueStepsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_steps_created_total",
			Help: "Number of steps created",
		}),
		QueueChecksEarlyExits: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_checks_early_exits_total",
			Help: "Number of queue checks that found no new work",
		}),
		QueueChecksFinished: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_checks_finished_total",
			Help: "Number of queue checks that completed",
		}),
		DispatcherTimeSpentRunning: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_dispatcher_time_spent_running_seconds",
			Help: "Time the dispatcher spent selecting work",
		}),
		DispatcherTimeSpentWaiting: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_dispatcher_time_spent_waiting_seconds",
			Help: "Time the dispatcher spent waiting for wakeups",
		}),
		QueueMonitorTimeSpentRunning: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_monitor_time_spent_running_seconds",
			Help: "Time the queue monitor spent reconciling",
		}),
		QueueMonitorTimeSpentWaiting: f.NewCounter(prometheus.CounterOpts{
			Name: "qrunner_queue_monitor_time_spent_waiting_seconds",
			Help: "Time the queue monitor spent waiting for notifications",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Metrics exposes the scheduler's metric set for mounting.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}
