// Package transcript keeps the full console output of every job on local
// disk. Live transcripts are plain append-only files; finished ones are
// compressed with zstd.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/antonkrylov/vmrunner/internal/job"
)

const (
	metaFile       = "meta.json"
	liveFile       = "output.log"
	compressedFile = "output.log.zst"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("transcript not found")

// Meta describes one stored transcript.
type Meta struct {
	JobID      job.ID     `json:"job_id"`
	VM         string     `json:"vm"`
	Worker     string     `json:"worker,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *int       `json:"result,omitempty"`
	Bytes      int64      `json:"bytes"`
	Compressed bool       `json:"compressed"`
}

type Store struct {
	rootDir string
	logger  *slog.Logger
}

func New(rootDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{rootDir: rootDir, logger: logger}
}

func (s *Store) dir(id job.ID) (string, error) {
	name := string(id)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	return filepath.Join(s.rootDir, name), nil
}

// Create starts a transcript for a job. An existing transcript for the same
// id is replaced.
func (s *Store) Create(id job.ID, vm, worker string) (*Recorder, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	meta := Meta{JobID: id, VM: vm, Worker: worker, StartedAt: time.Now().UTC()}
	if err := writeJSONFile(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, liveFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		dir:      dir,
		meta:     meta,
		file:     f,
		bw:       bufio.NewWriterSize(f, 64*1024),
		lastSync: time.Now(),
		logger:   s.logger.With("job", string(id)),
	}, nil
}

// Get reads a transcript's metadata.
func (s *Store) Get(id job.ID) (Meta, error) {
	dir, err := s.dir(id)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := readJSONFile(filepath.Join(dir, metaFile), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, err
	}
	return meta, nil
}

// List returns all transcripts, newest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.Get(job.ID(e.Name()))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Replay copies a transcript to w, decompressing finished ones.
func (s *Store) Replay(id job.ID, w io.Writer) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	meta, err := s.Get(id)
	if err != nil {
		return err
	}
	if !meta.Compressed {
		f, err := os.Open(filepath.Join(dir, liveFile))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}
	f, err := os.Open(filepath.Join(dir, compressedFile))
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	_, err = io.Copy(w, dec)
	return err
}

// Delete removes a transcript.
func (s *Store) Delete(id job.ID) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Recorder appends one job's output. It observes the job so log and finish
// events reach disk without extra wiring.
type Recorder struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	meta     Meta
	file     *os.File
	bw       *bufio.Writer
	lastSync time.Time
	closed   bool
}

// Notify implements job.Observer.
func (r *Recorder) Notify(e job.Event) {
	switch e.Type {
	case job.EventLog:
		if err := r.Append(e.Log); err != nil {
			r.logger.Warn("transcript append", "err", err)
		}
	case job.EventFinished:
		r.mu.Lock()
		r.meta.Result = e.Result
		r.mu.Unlock()
	}
}

// Append writes s and syncs at most every 200ms.
func (r *Recorder) Append(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("transcript is finished")
	}
	n, err := r.bw.WriteString(s)
	r.meta.Bytes += int64(n)
	if err != nil {
		return err
	}
	if time.Since(r.lastSync) > 200*time.Millisecond {
		if err := r.bw.Flush(); err != nil {
			return err
		}
		if err := r.file.Sync(); err != nil {
			return err
		}
		r.lastSync = time.Now()
	}
	return nil
}

// Finish flushes the live file, compresses it and records the end time.
func (r *Recorder) Finish() (Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.meta, nil
	}
	r.closed = true
	if err := r.bw.Flush(); err != nil {
		r.file.Close()
		return r.meta, err
	}
	if err := r.file.Close(); err != nil {
		return r.meta, err
	}
	now := time.Now().UTC()
	r.meta.FinishedAt = &now
	if err := compressFile(filepath.Join(r.dir, liveFile), filepath.Join(r.dir, compressedFile)); err != nil {
		r.logger.Warn("transcript left uncompressed", "err", err)
	} else {
		r.meta.Compressed = true
		_ = os.Remove(filepath.Join(r.dir, liveFile))
	}
	return r.meta, writeJSONFile(filepath.Join(r.dir, metaFile), r.meta)
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
