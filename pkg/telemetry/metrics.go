package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus metrics. The zero-value-like
// instance returned for a disabled config is a no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksLive      prometheus.Gauge

	notificationsPublished *prometheus.CounterVec
	subscriberLag          prometheus.Counter
	subscribers            prometheus.Gauge

	sandboxRuns     *prometheus.CounterVec
	sandboxDuration prometheus.Histogram
}

// NewMetrics creates a metrics collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of tasks started",
			},
			[]string{"kind"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks that reached a terminal state",
			},
			[]string{"kind", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration from task start to terminal state",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		tasksLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_live",
				Help:      "Current number of non-evicted tasks in the registry",
			},
		),
		notificationsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_published_total",
				Help:      "Total number of notifications published to the bus",
			},
			[]string{"level"},
		),
		subscriberLag: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriber_lag_events_total",
				Help:      "Total notifications dropped because a subscriber fell behind",
			},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_subscribers",
				Help:      "Current number of attached notification subscribers",
			},
		),
		sandboxRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_runs_total",
				Help:      "Total number of macro sandbox executions",
			},
			[]string{"status"},
		),
		sandboxDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_run_duration_seconds",
				Help:      "Duration of macro sandbox executions",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksStarted,
		m.tasksCompleted,
		m.taskDuration,
		m.tasksLive,
		m.notificationsPublished,
		m.subscriberLag,
		m.subscribers,
		m.sandboxRuns,
		m.sandboxDuration,
	)
	return m, nil
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskStarted records a task entering Running.
func (m *Metrics) TaskStarted(kind string) {
	if m.registry == nil {
		return
	}
	m.tasksStarted.WithLabelValues(kind).Inc()
}

// TaskCompleted records a task reaching a terminal state.
func (m *Metrics) TaskCompleted(kind, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetTasksLive updates the live-task gauge.
func (m *Metrics) SetTasksLive(n int) {
	if m.registry == nil {
		return
	}
	m.tasksLive.Set(float64(n))
}

// NotificationPublished records a bus publish.
func (m *Metrics) NotificationPublished(level string) {
	if m.registry == nil {
		return
	}
	m.notificationsPublished.WithLabelValues(level).Inc()
}

// SubscriberLagged records dropped notifications for slow subscribers.
func (m *Metrics) SubscriberLagged(n uint64) {
	if m.registry == nil {
		return
	}
	m.subscriberLag.Add(float64(n))
}

// SubscriberAttached adjusts the subscriber gauge.
func (m *Metrics) SubscriberAttached(delta int) {
	if m.registry == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// SandboxRun records a completed macro execution.
func (m *Metrics) SandboxRun(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(status).Inc()
	m.sandboxDuration.Observe(duration.Seconds())
}
