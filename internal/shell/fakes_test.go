package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// fakeTransport answers every command asynchronously through respond.
type fakeTransport struct {
	mu       sync.Mutex
	started  []string
	startErr error
	respond  func(cmd string, h Handler)
	killed   int
	closed   bool
	waited   bool
}

func newFakeTransport(respond func(cmd string, h Handler)) *fakeTransport {
	if respond == nil {
		respond = func(cmd string, h Handler) {
			h.OnOutput([]byte("ran\n"))
			h.OnFinish(0, nil)
		}
	}
	return &fakeTransport{respond: respond}
}

func (f *fakeTransport) Start(cmd string, h Handler) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cmd)
	go f.respond(cmd, h)
	return fakeProcess{f}, nil
}

func (f *fakeTransport) Wait(context.Context) error {
	f.mu.Lock()
	f.waited = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakeProcess struct{ f *fakeTransport }

func (p fakeProcess) Kill() error {
	p.f.mu.Lock()
	p.f.killed++
	p.f.mu.Unlock()
	return nil
}

// fakeHypervisor models one VM's power state and snapshot tree.
type fakeHypervisor struct {
	mu        sync.Mutex
	running   bool
	snapshots []string
	calls     []string
	deleted   []string
	failOn    map[string]error
}

func newFakeHypervisor(existing ...string) *fakeHypervisor {
	return &fakeHypervisor{running: true, snapshots: existing, failOn: map[string]error{}}
}

func (h *fakeHypervisor) record(op string) error {
	h.calls = append(h.calls, op)
	return h.failOn[op]
}

func (h *fakeHypervisor) TakeSnapshot(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("take"); err != nil {
		return err
	}
	h.snapshots = append(h.snapshots, "uuid-"+name)
	return nil
}

func (h *fakeHypervisor) PowerOff(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("poweroff"); err != nil {
		return err
	}
	if !h.running {
		return errors.New("vm not running")
	}
	h.running = false
	return nil
}

func (h *fakeHypervisor) RestoreCurrent(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record("restorecurrent")
}

func (h *fakeHypervisor) Snapshots(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("list"); err != nil {
		return nil, err
	}
	return append([]string(nil), h.snapshots...), nil
}

func (h *fakeHypervisor) DeleteSnapshot(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("delete"); err != nil {
		return err
	}
	for i, s := range h.snapshots {
		if s == id {
			h.snapshots = append(h.snapshots[:i], h.snapshots[i+1:]...)
			h.deleted = append(h.deleted, id)
			return nil
		}
	}
	return fmt.Errorf("no snapshot %s", id)
}

func (h *fakeHypervisor) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("start"); err != nil {
		return err
	}
	h.running = true
	return nil
}

func (h *fakeHypervisor) state() (bool, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running, append([]string(nil), h.snapshots...)
}
