package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/antonkrylov/vmrunner/internal/job"
)

// HTTPSender posts events as JSON to <url>/jobs/<id>/events.
type HTTPSender struct {
	http     *http.Client
	endpoint string
	encoder  *zstd.Encoder
}

// NewHTTPSender builds a sender for one job.
func NewHTTPSender(cfg Config, jobID job.ID) (*HTTPSender, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("reporter url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("reporter url %q: scheme must be http or https", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &HTTPSender{
		http:     &http.Client{Timeout: timeout},
		endpoint: base.JoinPath("jobs", url.PathEscape(string(jobID)), "events").String(),
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		s.encoder = enc
	}
	return s, nil
}

// Endpoint is the URL events are posted to.
func (s *HTTPSender) Endpoint() string { return s.endpoint }

func (s *HTTPSender) Send(ctx context.Context, e job.Event, seq uint64) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	if s.encoder != nil {
		body = s.encoder.EncodeAll(body, nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Seq", strconv.FormatUint(seq, 10))
	if s.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post %s: %s: %s", e.Type, resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *HTTPSender) Close() error {
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}
