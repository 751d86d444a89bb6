package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReportSubject(t *testing.T) {
	b := &Broker{opts: Options{}}
	b.opts.setDefaults()
	require.Equal(t, "vmrunner.reports.42.job_log", b.ReportSubject("42", "job:log"))
	require.Equal(t, "vmrunner.reports.a_b.unknown", b.ReportSubject("a.b", ""))
	require.Equal(t, "vmrunner.reports.*.*", b.reportsWildcard())
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{JobsStream: "custom"}
	o.setDefaults()
	require.Equal(t, "custom", o.JobsStream)
	require.Equal(t, "vmrunner.jobs", o.JobsSubject)
	require.Equal(t, "vmrunner-workers", o.Durable)
	require.NotZero(t, o.DupeWindow)
}
