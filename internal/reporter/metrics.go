package reporter

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts report deliveries.
type Metrics struct {
	Deliveries *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

// NewMetrics registers reporter metrics on reg. A nil reg disables them.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmrunner",
			Subsystem: "reporter",
			Name:      "deliveries_total",
			Help:      "Report delivery attempts by reporter, event and result.",
		}, []string{"reporter", "event", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmrunner",
			Subsystem: "reporter",
			Name:      "delivery_seconds",
			Help:      "Time spent delivering one report.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"reporter"}),
	}
	reg.MustRegister(m.Deliveries, m.Latency)
	return m
}

func (m *Metrics) observe(reporter, event string, err error, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Deliveries.WithLabelValues(reporter, event, result).Inc()
	m.Latency.WithLabelValues(reporter).Observe(seconds)
}
