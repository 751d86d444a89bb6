package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/vmrunner/internal/job"
)

type fakeMessage struct {
	data []byte

	mu       sync.Mutex
	acked    bool
	termed   bool
	progress int
}

func (m *fakeMessage) Data() []byte { return m.data }
func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}
func (m *fakeMessage) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}
func (m *fakeMessage) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress++
	return nil
}

// fakeFetcher hands out queued messages, then cancels the run.
type fakeFetcher struct {
	msgs   []*fakeMessage
	cancel context.CancelFunc
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ int, _ time.Duration) ([]Message, error) {
	f.calls++
	if f.calls == 1 {
		return nil, nats.ErrTimeout
	}
	if len(f.msgs) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return []Message{m}, nil
}

func TestConsumerHandlesAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good := &fakeMessage{data: []byte(`{"build":{"id":1},"repository":{"slug":"a/b"}}`)}
	failing := &fakeMessage{data: []byte(`{"build":{"id":2},"repository":{"slug":"a/b"}}`)}
	bad := &fakeMessage{data: []byte(`{]`)}
	f := &fakeFetcher{msgs: []*fakeMessage{good, failing, bad}, cancel: cancel}

	var seen []job.ID
	c := NewConsumer(f, func(_ context.Context, p *job.Payload) error {
		seen = append(seen, p.Build.ID)
		if p.Build.ID == "2" {
			return errors.New("vm unavailable")
		}
		return nil
	}, Options{})

	require.NoError(t, c.Run(ctx))
	require.Equal(t, []job.ID{"1", "2"}, seen)
	require.True(t, good.acked)
	require.True(t, failing.acked)
	require.True(t, bad.termed)
	require.False(t, bad.acked)
}

func TestConsumerExtendsAckDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msg := &fakeMessage{data: []byte(`{"build":{"id":1},"repository":{"slug":"a/b"}}`)}
	f := &fakeFetcher{msgs: []*fakeMessage{msg}, cancel: cancel}

	c := NewConsumer(f, func(context.Context, *job.Payload) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, Options{Heartbeat: 5 * time.Millisecond})
	require.NoError(t, c.Run(ctx))

	msg.mu.Lock()
	defer msg.mu.Unlock()
	require.Positive(t, msg.progress)
	require.True(t, msg.acked)
}

func TestConsumerReturnsFetchErrors(t *testing.T) {
	boom := errors.New("connection closed")
	c := NewConsumer(fetchFunc(func() ([]Message, error) { return nil, boom }), nil, Options{})
	require.ErrorIs(t, c.Run(context.Background()), boom)
}

type fetchFunc func() ([]Message, error)

func (f fetchFunc) Fetch(context.Context, int, time.Duration) ([]Message, error) { return f() }
