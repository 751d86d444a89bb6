package broker

import "time"

// Options describe the NATS JetStream deployment jobs and reports flow through.
type Options struct {
	URL      string
	User     string
	Password string
	// Name identifies this connection on the server, usually the worker name.
	Name string
	// EventsPrefix roots the report subjects: <prefix>.reports.<job>.<event>.
	EventsPrefix   string
	ReportsStream  string
	JobsStream     string
	JobsSubject    string
	Durable        string
	ReportsMaxSize int64
	JobsMaxSize    int64
	DupeWindow     time.Duration
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "vmrunner"
	}
	if o.EventsPrefix == "" {
		o.EventsPrefix = "vmrunner"
	}
	if o.ReportsStream == "" {
		o.ReportsStream = "vmrunner_reports"
	}
	if o.JobsStream == "" {
		o.JobsStream = "vmrunner_jobs"
	}
	if o.JobsSubject == "" {
		o.JobsSubject = "vmrunner.jobs"
	}
	if o.Durable == "" {
		o.Durable = "vmrunner-workers"
	}
	if o.ReportsMaxSize == 0 {
		o.ReportsMaxSize = 20 * 1024 * 1024 * 1024 // 20GB
	}
	if o.JobsMaxSize == 0 {
		o.JobsMaxSize = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}
