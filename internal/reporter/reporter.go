// Package reporter delivers job events to the service that scheduled the
// job. Events are queued as they arrive and sent in order by one goroutine;
// the worker polls Finished to know when it may release the VM.
package reporter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/vmrunner/internal/job"
)

// Reporter observes a job and forwards its events.
type Reporter interface {
	job.Observer
	// Start begins delivering queued events in the background until ctx ends.
	Start(ctx context.Context)
	// Finished reports whether the job's final event was seen and every
	// queued event has been handled.
	Finished() bool
	Close() error
}

// Sender delivers one event.
type Sender interface {
	Send(ctx context.Context, e job.Event, seq uint64) error
	Close() error
}

// Options tune delivery.
type Options struct {
	// Attempts bounds retries of one event. After that it is dropped so a dead
	// endpoint cannot keep the VM busy forever.
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
	Metrics  *Metrics
}

func (o *Options) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

type queued struct {
	event job.Event
	seq   uint64
}

// Queue is the Reporter shared by every transport: ordering, log coalescing,
// retries and the Finished condition live here.
type Queue struct {
	sender Sender
	opts   Options
	kind   string

	mu        sync.Mutex
	pending   []queued
	inFlight  bool
	sawFinish bool
	seq       uint64
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	wake chan struct{}
}

// NewQueue wraps sender. kind labels logs and metrics.
func NewQueue(kind string, sender Sender, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		sender: sender,
		opts:   opts,
		kind:   kind,
		wake:   make(chan struct{}, 1),
	}
}

// Notify queues e. Consecutive log events are merged while they wait, but
// never into the event currently being sent.
func (q *Queue) Notify(e job.Event) {
	q.mu.Lock()
	if e.Type == job.EventFinished {
		q.sawFinish = true
	}
	if e.Type == job.EventLog && q.coalesce(e) {
		q.mu.Unlock()
		return
	}
	q.seq++
	q.pending = append(q.pending, queued{event: e, seq: q.seq})
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) coalesce(e job.Event) bool {
	n := len(q.pending)
	if n == 0 || (n == 1 && q.inFlight) {
		return false
	}
	last := &q.pending[n-1]
	if last.event.Type != job.EventLog {
		return false
	}
	last.event.Log += e.Log
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()
	go func() {
		defer close(done)
		q.loop(ctx)
	}()
}

func (q *Queue) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sawFinish && len(q.pending) == 0 && !q.inFlight
}

// Pending is the number of events not yet handled.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops delivery, waits for the delivery goroutine to exit and closes
// the sender. Events still queued are abandoned.
func (q *Queue) Close() error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return q.sender.Close()
}

func (q *Queue) loop(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		next := q.pending[0]
		q.inFlight = true
		q.mu.Unlock()

		err := q.deliver(ctx, next)

		q.mu.Lock()
		q.inFlight = false
		if err == nil || ctx.Err() == nil {
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, item queued) error {
	delay := q.opts.Backoff
	var err error
	for attempt := 1; attempt <= q.opts.Attempts; attempt++ {
		started := time.Now()
		err = q.sender.Send(ctx, item.event, item.seq)
		q.opts.Metrics.observe(q.kind, string(item.event.Type), err, time.Since(started).Seconds())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.opts.Logger.Warn("report delivery failed", "reporter", q.kind, "job", item.event.JobID,
			"event", item.event.Type, "attempt", attempt, "err", err)
		if attempt == q.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	q.opts.Logger.Error("report dropped", "reporter", q.kind, "job", item.event.JobID,
		"event", item.event.Type, "err", err)
	return nil
}

// Config selects and configures a reporter.
type Config struct {
	// Kind is http, nats or log.
	Kind     string
	URL      string
	Compress bool
	Timeout  time.Duration
}

// Factory builds a reporter for one job.
type Factory func(jobID job.ID) (Reporter, error)

// Publisher is what the NATS reporter needs from the broker.
type Publisher interface {
	PublishReport(ctx context.Context, jobID, event string, data []byte, msgID string) error
}

// NewFactory returns a Factory for cfg. pub is only used by the nats kind.
func NewFactory(cfg Config, pub Publisher, opts Options) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "http", "":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("reporter url is required for the http reporter")
		}
		return func(jobID job.ID) (Reporter, error) {
			s, err := NewHTTPSender(cfg, jobID)
			if err != nil {
				return nil, err
			}
			return NewQueue("http", s, opts), nil
		}, nil
	case "nats":
		if pub == nil {
			return nil, fmt.Errorf("nats reporter requires a broker connection")
		}
		return func(jobID job.ID) (Reporter, error) {
			return NewQueue("nats", NewNATSSender(pub, jobID), opts), nil
		}, nil
	case "log":
		return func(jobID job.ID) (Reporter, error) {
			return NewQueue("log", NewLogSender(opts.Logger), opts), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported reporter kind %q", cfg.Kind)
	}
}
