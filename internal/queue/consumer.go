// Package queue pulls job payloads off the JetStream jobs stream, one at a
// time, and hands them to the worker.
package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/vmrunner/internal/job"
)

// Message is one delivery from the jobs stream.
type Message interface {
	Data() []byte
	Ack() error
	Term() error
	InProgress() error
}

// Fetcher pulls up to batch messages, waiting at most maxWait.
type Fetcher interface {
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Message, error)
}

// Handler runs one job. Its error is logged; the message is acked either way
// because a build that ran has already changed the outside world.
type Handler func(ctx context.Context, p *job.Payload) error

// Options tune a Consumer.
type Options struct {
	MaxWait time.Duration
	// Heartbeat is how often a long running job extends its ack deadline.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Consumer feeds a Handler from a Fetcher.
type Consumer struct {
	fetcher Fetcher
	handle  Handler
	opts    Options
}

func NewConsumer(f Fetcher, h Handler, opts Options) *Consumer {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{fetcher: f, handle: h, opts: opts}
}

// Run pulls and handles jobs until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.opts.Logger.Info("waiting for jobs")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msgs, err := c.fetcher.Fetch(ctx, 1, c.opts.MaxWait)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg Message) {
	payload, err := job.Decode(msg.Data())
	if err != nil {
		c.opts.Logger.Error("dropping undecodable job", "err", err, "bytes", len(msg.Data()))
		if termErr := msg.Term(); termErr != nil {
			c.opts.Logger.Warn("term message", "err", termErr)
		}
		return
	}

	stop := c.keepAlive(msg)
	err = c.handle(ctx, payload)
	stop()
	if err != nil {
		c.opts.Logger.Error("job failed", "job", payload.Build.ID, "err", err)
	}
	if ackErr := msg.Ack(); ackErr != nil {
		c.opts.Logger.Warn("ack job", "job", payload.Build.ID, "err", ackErr)
	}
}

func (c *Consumer) keepAlive(msg Message) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(c.opts.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					c.opts.Logger.Warn("extend ack deadline", "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Subscription adapts a JetStream pull subscription to Fetcher.
type Subscription struct {
	Sub *nats.Subscription
}

func (s Subscription) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	msgs, err := s.Sub.Fetch(batch, nats.Context(fetchCtx))
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = natsMessage{m}
	}
	return out, nil
}

type natsMessage struct{ m *nats.Msg }

func (n natsMessage) Data() []byte      { return n.m.Data }
func (n natsMessage) Ack() error        { return n.m.Ack() }
func (n natsMessage) Term() error       { return n.m.Term() }
func (n natsMessage) InProgress() error { return n.m.InProgress() }
