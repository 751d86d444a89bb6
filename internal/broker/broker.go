// Package broker holds the NATS JetStream connection shared by job intake and
// the NATS reporter.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Broker is a connected JetStream context with the vmrunner streams in place.
type Broker struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   Options
	logger *slog.Logger
}

// Connect dials NATS and makes sure the jobs and reports streams exist.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Broker, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	b := &Broker{conn: conn, js: js, opts: opts, logger: logger}
	if err := b.ensureStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Close drains pending publishes and closes the connection.
func (b *Broker) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}

func (b *Broker) ensureStreams(ctx context.Context) error {
	if err := b.ensureStream(ctx, &nats.StreamConfig{
		Name:       b.opts.JobsStream,
		Subjects:   []string{b.opts.JobsSubject},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		MaxMsgs:    -1,
		MaxBytes:   b.opts.JobsMaxSize,
		Discard:    nats.DiscardOld,
		Duplicates: b.opts.DupeWindow,
	}); err != nil {
		return err
	}
	return b.ensureStream(ctx, &nats.StreamConfig{
		Name:       b.opts.ReportsStream,
		Subjects:   []string{b.reportsWildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   b.opts.ReportsMaxSize,
		Discard:    nats.DiscardOld,
		Duplicates: b.opts.DupeWindow,
	})
}

func (b *Broker) ensureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	if _, err := b.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := b.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := b.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// PublishReport stores one job event. msgID makes redelivery after a retry
// idempotent within the duplicate window.
func (b *Broker) PublishReport(ctx context.Context, jobID, event string, data []byte, msgID string) error {
	_, err := b.js.Publish(b.ReportSubject(jobID, event), data, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

// SubmitJob enqueues a job payload.
func (b *Broker) SubmitJob(ctx context.Context, jobID string, data []byte) error {
	_, err := b.js.Publish(b.opts.JobsSubject, data, nats.MsgId("job:"+jobID), nats.Context(ctx))
	return err
}

// JobsSubscription binds a pull subscription to the shared durable consumer.
func (b *Broker) JobsSubscription() (*nats.Subscription, error) {
	return b.js.PullSubscribe(
		b.opts.JobsSubject,
		b.opts.Durable,
		nats.BindStream(b.opts.JobsStream),
		nats.AckExplicit(),
		nats.MaxAckPending(1),
	)
}

// ReportSubject is where events of one job are published.
func (b *Broker) ReportSubject(jobID, event string) string {
	return fmt.Sprintf("%s.reports.%s.%s", b.opts.EventsPrefix, subjectToken(jobID), subjectToken(event))
}

func (b *Broker) reportsWildcard() string {
	return fmt.Sprintf("%s.reports.*.*", b.opts.EventsPrefix)
}

// Ping round-trips to the server.
func (b *Broker) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', ':':
			return '_'
		}
		return r
	}, s)
}
