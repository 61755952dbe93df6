// Package metrics provides Prometheus metrics for admission, locking, the job
// queue, workers and browser sessions.
//
// Metrics Categories:
//   - Locks: acquisition outcomes per operation
//   - Admission: accepted/conflict/busy decisions
//   - Queue: enqueued, delivered, acked, nacked and dead-lettered jobs
//   - Tasks: completion outcomes and durations per job type
//   - Sessions: active contexts, evictions, browser launches
//   - HTTP: requests and latency per route pattern
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockAcquisitionsTotal counts lock attempts by operation and result (acquired, contended, error).
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts",
		},
		[]string{"operation", "result"},
	)

	// AdmissionDecisionsTotal counts admission outcomes by task type.
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_admission_decisions_total",
			Help: "Total number of task admission decisions",
		},
		[]string{"type", "decision"},
	)

	// QueueEventsTotal counts queue events (enqueued, delivered, acked, nacked, dead_lettered, reclaimed).
	QueueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_queue_events_total",
			Help: "Total number of job queue events",
		},
		[]string{"backend", "event"},
	)

	// TasksProcessedTotal counts finished tasks by type and outcome.
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_tasks_processed_total",
			Help: "Total number of processed tasks",
		},
		[]string{"type", "outcome"},
	)

	// TaskDuration tracks task execution time.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studus_task_duration_seconds",
			Help:    "Duration of task execution in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"type"},
	)

	// SessionsActive is the number of live per-user browser contexts.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studus_sessions_active",
			Help: "Number of active browser sessions",
		},
	)

	// SessionEvictionsTotal counts session removals by reason (capacity, idle, invalid, cleared).
	SessionEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_session_evictions_total",
			Help: "Total number of browser session evictions",
		},
		[]string{"reason"},
	)

	// BrowserLaunchesTotal counts browser engine launches by result.
	BrowserLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_browser_launches_total",
			Help: "Total number of browser engine launches",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts API requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency by method and route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studus_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ReloginsTotal counts in-place re-logins triggered by an expired session during sync.
	ReloginsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studus_sync_relogins_total",
			Help: "Total number of re-logins performed during sync runs",
		},
	)
)

// RecordTask records a finished task.
func RecordTask(taskType, outcome string, d time.Duration) {
	TasksProcessedTotal.WithLabelValues(taskType, outcome).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordQueueEvent records a queue event for the given backend.
func RecordQueueEvent(backend, event string) {
	QueueEventsTotal.WithLabelValues(backend, event).Inc()
}

// RecordHTTPRequest records a served API request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
