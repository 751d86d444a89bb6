package shell

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for sessions. A nil *Metrics records nothing.
type Metrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	Sandboxes       *prometheus.CounterVec
	RollbackSeconds prometheus.Histogram
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmrunner",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Commands executed on the VM shell, by outcome kind.",
		}, []string{"kind"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vmrunner",
			Subsystem: "session",
			Name:      "command_duration_seconds",
			Help:      "Wall time from submitting a command to its exit status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		Sandboxes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmrunner",
			Subsystem: "sandbox",
			Name:      "scopes_total",
			Help:      "Sandboxed scopes completed, by outcome.",
		}, []string{"outcome"}),
		RollbackSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vmrunner",
			Subsystem: "sandbox",
			Name:      "rollback_duration_seconds",
			Help:      "Duration of poweroff, restore, prune and restart.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
	}
	reg.MustRegister(m.Commands, m.CommandDuration, m.Sandboxes, m.RollbackSeconds)
	return m
}

func (m *Metrics) observeCommand(kind Kind, seconds float64) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(kind.String()).Inc()
	m.CommandDuration.Observe(seconds)
}

func (m *Metrics) observeSandbox(outcome SandboxOutcome, rollbackSeconds float64) {
	if m == nil {
		return
	}
	m.Sandboxes.WithLabelValues(outcome.String()).Inc()
	m.RollbackSeconds.Observe(rollbackSeconds)
}
