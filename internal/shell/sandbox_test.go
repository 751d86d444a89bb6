package shell

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSandboxLeavesVMRunningWithoutSnapshots(t *testing.T) {
	bodies := map[string]func(context.Context) error{
		"ok":     func(context.Context) error { return nil },
		"error":  func(context.Context) error { return errors.New("build exploded") },
		"panics": func(context.Context) error { panic("nil map") },
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			hv := newFakeHypervisor()
			var diag strings.Builder
			c := NewSandboxController(hv, "vm1", func(s string) { diag.WriteString(s) }, nil, nil)

			res, err := c.Run(context.Background(), body)
			require.NoError(t, err)
			require.NoError(t, res.RollbackErr)

			running, snaps := hv.state()
			require.True(t, running)
			require.Empty(t, snaps)
			require.Equal(t, []string{"take", "poweroff", "restorecurrent", "list", "delete", "start"}, hv.calls)

			if name == "ok" {
				require.Equal(t, SandboxOK, res.Outcome)
				require.Empty(t, diag.String())
				return
			}
			require.Equal(t, SandboxBodyFailed, res.Outcome)
			require.Error(t, res.BodyErr)
			require.NotEmpty(t, diag.String())
		})
	}
}

func TestSandboxPanicDiagnosticCarriesStack(t *testing.T) {
	hv := newFakeHypervisor()
	var diag strings.Builder
	c := NewSandboxController(hv, "vm1", func(s string) { diag.WriteString(s) }, nil, nil)

	res, err := c.Run(context.Background(), func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)
	require.Contains(t, res.BodyErr.Error(), "kaboom")
	require.Contains(t, diag.String(), "panic: kaboom")
	require.Contains(t, diag.String(), "goroutine")
}

func TestSandboxDeletesNewestFirst(t *testing.T) {
	hv := newFakeHypervisor("root", "child")
	c := NewSandboxController(hv, "vm1", nil, nil, nil)

	res, err := c.Run(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, SandboxOK, res.Outcome)
	require.Equal(t, []string{"uuid-" + res.Snapshot, "child", "root"}, hv.deleted)
	require.True(t, strings.HasPrefix(res.Snapshot, "vm1-sandbox-"))
}

func TestSandboxSnapshotFailureSkipsBody(t *testing.T) {
	hv := newFakeHypervisor()
	hv.failOn["take"] = errors.New("VBoxManage snapshot failed")
	c := NewSandboxController(hv, "vm1", nil, nil, nil)

	ran := false
	_, err := c.Run(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	require.Equal(t, KindHypervisor, KindOf(err))
	require.False(t, ran)
}

func TestSandboxRollbackFailureIsReportedNotRaised(t *testing.T) {
	hv := newFakeHypervisor()
	hv.failOn["restorecurrent"] = errors.New("restore failed")
	c := NewSandboxController(hv, "vm1", nil, nil, nil)

	res, err := c.Run(context.Background(), func(context.Context) error { return errors.New("body") })
	require.NoError(t, err)
	require.Equal(t, SandboxRollbackFailed, res.Outcome)
	require.Error(t, res.BodyErr)
	require.Equal(t, KindHypervisor, KindOf(res.RollbackErr))
	require.ErrorContains(t, res.Err(), "restore failed")
}

func TestSandboxRollsBackAfterCancel(t *testing.T) {
	hv := newFakeHypervisor()
	c := NewSandboxController(hv, "vm1", nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	res, err := c.Run(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.Equal(t, SandboxBodyFailed, res.Outcome)
	running, snaps := hv.state()
	require.True(t, running)
	require.Empty(t, snaps)
}
