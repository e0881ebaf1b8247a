package queue

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	enqueued    *prometheus.CounterVec
	claimed     *prometheus.CounterVec
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	reclaimed   prometheus.Counter
	runDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subsidyflow",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs inserted by enqueue sweeps.",
		}, []string{"job_type"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subsidyflow",
			Subsystem: "queue",
			Name:      "jobs_claimed_total",
			Help:      "Jobs leased by this process.",
		}, []string{"job_type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subsidyflow",
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Jobs whose handler succeeded.",
		}, []string{"job_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subsidyflow",
			Subsystem: "queue",
			Name:      "jobs_failed_total",
			Help:      "Handler failures, labelled by whether the job became terminal.",
		}, []string{"job_type", "terminal"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subsidyflow",
			Subsystem: "queue",
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases returned to the queue.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "subsidyflow",
			Subsystem: "queue",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one consume run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.claimed, m.completed, m.failed, m.reclaimed, m.runDuration)
	}
	return m
}

func (m *Metrics) Enqueued(jt JobType, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.enqueued.WithLabelValues(string(jt)).Add(float64(n))
}

func (m *Metrics) Claimed(jt JobType) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(string(jt)).Inc()
}

func (m *Metrics) Completed(jt JobType) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(string(jt)).Inc()
}

func (m *Metrics) Failed(jt JobType, terminal bool) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(string(jt), strconv.FormatBool(terminal)).Inc()
}

func (m *Metrics) Reclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

func (m *Metrics) ObserveRun(seconds float64) {
	if m == nil {
		return
	}
	m.runDuration.Observe(seconds)
}
