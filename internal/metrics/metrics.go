// Package metrics exposes Prometheus collectors for jobs and the batch loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	streak       prometheus.Gauge
	streakAlerts prometheus.Counter
	batchPending prometheus.Gauge
	batchRunning prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "jobs_total",
			Help:      "Remote inference jobs by pipeline and outcome.",
		}, []string{"pipeline", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inspector",
			Name:      "job_duration_seconds",
			Help:      "Wall time of remote inference jobs, upload to download.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"pipeline"}),
		streak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "anomaly_streak",
			Help:      "Current number of consecutive anomalous results.",
		}),
		streakAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspector",
			Name:      "streak_alerts_total",
			Help:      "Alerts raised for consecutive anomalies.",
		}),
		batchPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "batch_pending_images",
			Help:      "Images found by the last scan that are still waiting.",
		}),
		batchRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inspector",
			Name:      "batch_running",
			Help:      "1 while the batch watcher is running.",
		}),
	}
	reg.MustRegister(m.jobs, m.jobDuration, m.streak, m.streakAlerts, m.batchPending, m.batchRunning)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveJob records one finished job.
func (m *Metrics) ObserveJob(pipeline string, err error, took time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.jobs.WithLabelValues(pipeline, status).Inc()
	m.jobDuration.WithLabelValues(pipeline).Observe(took.Seconds())
}

// SetStreak publishes the current streak length.
func (m *Metrics) SetStreak(n int) {
	if m == nil {
		return
	}
	m.streak.Set(float64(n))
}

// StreakAlert counts a raised alert.
func (m *Metrics) StreakAlert() {
	if m == nil {
		return
	}
	m.streakAlerts.Inc()
}

// SetPending publishes how many images are left in the current batch.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.batchPending.Set(float64(n))
}

// SetRunning flips the batch_running gauge.
func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.batchRunning.Set(1)
		return
	}
	m.batchRunning.Set(0)
}
