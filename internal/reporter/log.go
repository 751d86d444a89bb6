package reporter

import (
	"context"
	"io"
	"log/slog"

	"github.com/antonkrylov/vmrunner/internal/job"
)

// LogSender writes events to the worker log. Used when no service is
// listening, e.g. `vmrunner perform` from a terminal.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, e job.Event, seq uint64) error {
	attrs := []any{"job", e.JobID, "seq", seq}
	switch e.Type {
	case job.EventLog:
		attrs = append(attrs, "bytes", len(e.Log))
	case job.EventConfigured:
		attrs = append(attrs, "keys", len(e.Config))
	case job.EventFinished:
		if e.Result != nil {
			attrs = append(attrs, "result", *e.Result)
		}
	}
	s.logger.Info(string(e.Type), attrs...)
	return nil
}

func (s *LogSender) Close() error { return nil }
