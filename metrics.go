package fleet

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages Prometheus metrics for the engine. All recording
// methods are safe on a nil receiver so components can run unmetered.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	// Scheduler metrics
	JobRuns     *prometheus.CounterVec
	JobFailures *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Reconciler metrics
	ReconcileApplied     prometheus.Counter
	ReconcileSoftDeleted prometheus.Counter
	InstancesCached      prometheus.Gauge

	// Monitor metrics
	EndpointOnline    *prometheus.GaugeVec
	NotificationsSent *prometheus.CounterVec

	// Task queue metrics
	TasksFinished *prometheus.CounterVec
	TaskItems     *prometheus.CounterVec
}

// NewMetrics creates the engine metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_job_runs_total",
			Help: "Total scheduler job firings",
		}, []string{"job"}),

		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_job_failures_total",
			Help: "Total scheduler job firings that returned an error or panicked",
		}, []string{"job"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_job_duration_seconds",
			Help:    "Scheduler job firing duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),

		ReconcileApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_reconcile_applied_total",
			Help: "Instance rows upserted by reconciliation cycles",
		}),

		ReconcileSoftDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_reconcile_soft_deleted_total",
			Help: "Instance rows soft-deleted by reconciliation cycles",
		}),

		InstancesCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_instances_cached",
			Help: "Non-deleted instance rows in the cache after the last cycle",
		}),

		EndpointOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_endpoint_online",
			Help: "1 if the endpoint responded to the last availability check",
		}, []string{"endpoint"}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_notifications_sent_total",
			Help: "Notifications delivered, by level",
		}, []string{"level"}),

		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_tasks_finished_total",
			Help: "Bulk tasks finished, by terminal status",
		}, []string{"status"}),

		TaskItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_task_items_total",
			Help: "Bulk task items executed, by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.JobRuns,
		m.JobFailures,
		m.JobDuration,
		m.ReconcileApplied,
		m.ReconcileSoftDeleted,
		m.InstancesCached,
		m.EndpointOnline,
		m.NotificationsSent,
		m.TasksFinished,
		m.TaskItems,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server on addr. It returns immediately;
// the server runs until Shutdown.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = m.server.ListenAndServe()
	}()
}

// Shutdown stops the metrics HTTP server if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Metrics) observeJob(name string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(name).Inc()
	m.JobDuration.WithLabelValues(name).Observe(d.Seconds())
	if failed {
		m.JobFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) addApplied(n int) {
	if m == nil {
		return
	}
	m.ReconcileApplied.Add(float64(n))
}

func (m *Metrics) addSoftDeleted(n int) {
	if m == nil {
		return
	}
	m.ReconcileSoftDeleted.Add(float64(n))
}

func (m *Metrics) setInstancesCached(n int) {
	if m == nil {
		return
	}
	m.InstancesCached.Set(float64(n))
}

func (m *Metrics) setEndpointOnline(name string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1.0
	}
	m.EndpointOnline.WithLabelValues(name).Set(v)
}

func (m *Metrics) addNotification(level Level) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) addTaskFinished(status TaskStatus) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) addTaskItem(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.TaskItems.WithLabelValues(outcome).Inc()
}
