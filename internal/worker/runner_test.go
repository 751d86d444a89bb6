package worker

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/antonkrylov/vmrunner/internal/job"
	"github.com/antonkrylov/vmrunner/internal/reporter"
	"github.com/antonkrylov/vmrunner/internal/shell"
	"github.com/antonkrylov/vmrunner/internal/transcript"
)

type fakeSession struct {
	mu       sync.Mutex
	onOutput func(string)
	executed []string
	closed   bool
	// gate blocks Execute until closed, when set.
	gate chan struct{}
}

func (s *fakeSession) Execute(_ context.Context, cmd shell.Command, _ ...shell.ExecOption) shell.Result {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.executed = append(s.executed, cmd.String())
	out := s.onOutput
	s.mu.Unlock()
	if out != nil {
		out("$ " + cmd.String() + "\n")
	}
	return shell.Result{}
}

func (s *fakeSession) Evaluate(context.Context, shell.Command) (string, error) {
	return "language: go\n", nil
}

func (s *fakeSession) Sandboxed(ctx context.Context, body func(context.Context) error) (shell.SandboxResult, error) {
	err := body(ctx)
	return shell.SandboxResult{BodyErr: err}, nil
}

func (s *fakeSession) OnOutput(fn func(string)) {
	s.mu.Lock()
	s.onOutput = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type recordingSender struct {
	mu     sync.Mutex
	events []job.Event
}

func (r *recordingSender) Send(_ context.Context, e job.Event, _ uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSender) Close() error { return nil }

func payload(t *testing.T, s string) *job.Payload {
	t.Helper()
	p, err := job.Decode([]byte(s))
	require.NoError(t, err)
	return p
}

func TestPerformRunsJobAndWaitsForReporter(t *testing.T) {
	sess := &fakeSession{}
	sender := &recordingSender{}
	store := transcript.New(filepath.Join(t.TempDir(), "transcripts"), nil)
	r := &Runner{
		Name: "host:vm1",
		VM:   "vm1",
		NewSession: func(context.Context) (Session, error) {
			return sess, nil
		},
		Reporters: func(job.ID) (reporter.Reporter, error) {
			return reporter.NewQueue("test", sender, reporter.Options{}), nil
		},
		Transcripts:  store,
		PollInterval: time.Millisecond,
	}

	err := r.Perform(context.Background(), payload(t, `{"build":{"id":3,"commit":"abc","config":{"script":"go test ./..."}},"repository":{"slug":"a/b"}}`))
	require.NoError(t, err)
	require.True(t, sess.closed)
	require.Contains(t, sess.executed, "go test ./...")

	sender.mu.Lock()
	last := sender.events[len(sender.events)-1]
	sender.mu.Unlock()
	require.Equal(t, job.EventFinished, last.Type)
	require.Equal(t, 0, *last.Result)

	var out bytes.Buffer
	require.NoError(t, store.Replay("3", &out))
	require.Contains(t, out.String(), "$ go test ./...\n")
	meta, err := store.Get("3")
	require.NoError(t, err)
	require.True(t, meta.Compressed)
	require.Equal(t, "host:vm1", meta.Worker)
}

func TestPerformReleasesReporterAfterEachJob(t *testing.T) {
	r := &Runner{
		NewSession: func(context.Context) (Session, error) {
			return &fakeSession{}, nil
		},
		Reporters: func(job.ID) (reporter.Reporter, error) {
			return reporter.NewQueue("test", &recordingSender{}, reporter.Options{}), nil
		},
		PollInterval: time.Millisecond,
	}
	p := payload(t, `{"build":{"id":9,"config":{"script":"make"}},"repository":{"slug":"a/b"}}`)

	before := runtime.NumGoroutine()
	for i := 0; i < 30; i++ {
		require.NoError(t, r.Perform(context.Background(), p))
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond, "goroutines before=%d now=%d", before, runtime.NumGoroutine())
}

func TestPerformReportsSessionFailure(t *testing.T) {
	r := &Runner{
		NewSession: func(context.Context) (Session, error) {
			return nil, errors.New("ssh: connection refused")
		},
		Reporters: func(job.ID) (reporter.Reporter, error) {
			return reporter.NewQueue("test", &recordingSender{}, reporter.Options{}), nil
		},
	}
	err := r.Perform(context.Background(), payload(t, `{"build":{"id":4},"repository":{"slug":"a/b"}}`))
	require.ErrorContains(t, err, "connection refused")
}

func TestPerformWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		NewSession: func(context.Context) (Session, error) { return &fakeSession{}, nil },
		// The reporter never starts delivering, so it never finishes.
		Reporters: func(job.ID) (reporter.Reporter, error) {
			return &stuckReporter{}, nil
		},
		PollInterval: time.Millisecond,
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.Perform(ctx, payload(t, `{"build":{"id":5,"config":{}},"repository":{"slug":"a/b"}}`))
	require.ErrorIs(t, err, context.Canceled)
}

type stuckReporter struct{}

func (stuckReporter) Notify(job.Event)      {}
func (stuckReporter) Start(context.Context) {}
func (stuckReporter) Finished() bool        { return false }
func (stuckReporter) Close() error          { return nil }

func TestHealthReportsBusyWhileJobRuns(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := NewHealth()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.ServeListener(ctx, lis, discardLogger()) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	sess := &fakeSession{gate: make(chan struct{})}
	r := &Runner{
		NewSession: func(context.Context) (Session, error) { return sess, nil },
		Reporters: func(job.ID) (reporter.Reporter, error) {
			return reporter.NewQueue("test", &recordingSender{}, reporter.Options{}), nil
		},
		PollInterval: time.Millisecond,
		Health:       h,
	}
	p := payload(t, `{"build":{"id":6,"config":{}},"repository":{"slug":"a/b"}}`)
	done := make(chan error, 1)
	go func() {
		done <- r.Perform(ctx, p)
	}()
	require.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 5*time.Millisecond)

	close(sess.gate)
	require.NoError(t, <-done)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}

func TestLockVMIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "vm1.lock")
	first, err := LockVM(path)
	require.NoError(t, err)

	_, err = LockVM(path)
	require.ErrorIs(t, err, ErrVMLocked)

	require.NoError(t, first.Unlock())
	second, err := LockVM(path)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}
