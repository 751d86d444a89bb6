package transcript

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/vmrunner/internal/job"
)

func TestRecorderCompressesOnFinish(t *testing.T) {
	s := New(t.TempDir(), nil)
	rec, err := s.Create("42", "vm1", "host:vm1")
	require.NoError(t, err)

	rec.Notify(job.Event{Type: job.EventLog, Log: "$ rake\n"})
	rec.Notify(job.Event{Type: job.EventLog, Log: "3 examples, 0 failures\n"})
	result := 0
	rec.Notify(job.Event{Type: job.EventFinished, Result: &result})

	// Readable while live.
	var live bytes.Buffer
	require.NoError(t, rec.bw.Flush())
	require.NoError(t, s.Replay("42", &live))
	require.Equal(t, "$ rake\n3 examples, 0 failures\n", live.String())

	meta, err := rec.Finish()
	require.NoError(t, err)
	require.True(t, meta.Compressed)
	require.NotNil(t, meta.FinishedAt)
	require.Equal(t, 0, *meta.Result)
	require.EqualValues(t, len("$ rake\n3 examples, 0 failures\n"), meta.Bytes)

	_, err = os.Stat(filepath.Join(s.rootDir, "42", liveFile))
	require.ErrorIs(t, err, os.ErrNotExist)

	var out bytes.Buffer
	require.NoError(t, s.Replay("42", &out))
	require.Equal(t, "$ rake\n3 examples, 0 failures\n", out.String())

	require.Error(t, rec.Append("late"))
}

func TestListAndGet(t *testing.T) {
	s := New(t.TempDir(), nil)
	for _, id := range []job.ID{"1", "2"} {
		rec, err := s.Create(id, "vm1", "")
		require.NoError(t, err)
		_, err = rec.Finish()
		require.NoError(t, err)
	}
	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Create("../escape", "vm1", "")
	require.Error(t, err)

	require.NoError(t, s.Delete("1"))
	list, err = s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, job.ID("2"), list[0].JobID)
}

func TestListMissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "none"), nil)
	list, err := s.List()
	require.NoError(t, err)
	require.Empty(t, list)
}
