package shell

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Channel turns a Transport's start/stream/finish events into a blocking Exec
// call. At most one command is in flight per Channel; overlapping Exec calls
// wait their turn.
type Channel struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	turn   chan struct{}
	broken atomic.Bool
}

// NewChannel wraps t. A positive timeout bounds every Exec; zero waits forever.
func NewChannel(t Transport, timeout time.Duration, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = discardLogger
	}
	return &Channel{
		transport: t,
		timeout:   timeout,
		logger:    logger,
		turn:      make(chan struct{}, 1),
	}
}

type completion struct {
	status int
	err    error
}

// Exec runs command and returns its exit status once the transport reports
// completion. onOutput receives streamed output in arrival order and is never
// called after Exec returns.
func (c *Channel) Exec(ctx context.Context, command string, onOutput func([]byte)) (int, error) {
	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	defer func() { <-c.turn }()

	if c.broken.Load() {
		return -1, ErrChannelBroken
	}

	out := &outputGate{fn: onOutput, open: true}
	defer out.close()

	cell := make(chan completion, 1)
	var once sync.Once
	proc, err := c.transport.Start(command, Handler{
		OnOutput: out.deliver,
		OnFinish: func(status int, err error) {
			once.Do(func() { cell <- completion{status: status, err: err} })
		},
	})
	if err != nil {
		return -1, err
	}

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case done := <-cell:
		return done.status, done.err
	case <-expired:
		c.abandon(proc)
		return -1, ErrTimeout
	case <-ctx.Done():
		c.abandon(proc)
		return -1, ctx.Err()
	}
}

// Broken reports whether an earlier command was abandoned.
func (c *Channel) Broken() bool { return c.broken.Load() }

func (c *Channel) abandon(proc Process) {
	c.broken.Store(true)
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		c.logger.Warn("kill abandoned command", "err", err)
	}
}

// outputGate stops late transport callbacks from reaching a caller that has
// already returned.
type outputGate struct {
	mu   sync.Mutex
	fn   func([]byte)
	open bool
}

func (g *outputGate) deliver(data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open && g.fn != nil {
		g.fn(data)
	}
}

func (g *outputGate) close() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}
