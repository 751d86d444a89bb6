package worker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antonkrylov/vmrunner/internal/job"
)

// Metrics counts jobs run by the worker.
type Metrics struct {
	Jobs        *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	Busy        prometheus.Gauge
}

// NewMetrics registers worker metrics on reg. A nil reg disables them.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmrunner",
			Name:      "jobs_total",
			Help:      "Jobs performed by type and result (0 passed, 1 failed, -1 not run).",
		}, []string{"type", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmrunner",
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job including rollback and report delivery.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"type"}),
		Busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmrunner",
			Name:      "busy",
			Help:      "1 while a job holds the VM.",
		}),
	}
	reg.MustRegister(m.Jobs, m.JobDuration, m.Busy)
	return m
}

func (m *Metrics) observeJob(kind job.Type, result int, seconds float64) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(string(kind), strconv.Itoa(result)).Inc()
	m.JobDuration.WithLabelValues(string(kind)).Observe(seconds)
}

func (m *Metrics) setBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.Busy.Set(1)
	} else {
		m.Busy.Set(0)
	}
}
