package shell

import "context"

// Handler receives the asynchronous events of one started command. OnOutput is
// called zero or more times in arrival order, then OnFinish exactly once. A
// non-nil error passed to OnFinish means the stream failed before the remote
// shell reported an exit status.
type Handler struct {
	OnOutput func(data []byte)
	OnFinish func(status int, err error)
}

// Process is a handle on a started command.
type Process interface {
	// Kill abandons the command. Implementations without a way to interrupt a
	// single command tear down the whole shell.
	Kill() error
}

// Transport is a persistent, stateful remote shell. Commands started on it
// share shell state (working directory, exported variables) and must be
// started one at a time.
type Transport interface {
	Start(command string, h Handler) (Process, error)
	// Wait blocks until no command is in flight.
	Wait(ctx context.Context) error
	Close() error
}
