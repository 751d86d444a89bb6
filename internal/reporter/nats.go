package reporter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antonkrylov/vmrunner/internal/job"
)

// NATSSender publishes events to the reports stream.
type NATSSender struct {
	pub   Publisher
	jobID job.ID
}

func NewNATSSender(pub Publisher, jobID job.ID) *NATSSender {
	return &NATSSender{pub: pub, jobID: jobID}
}

func (s *NATSSender) Send(ctx context.Context, e job.Event, seq uint64) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	msgID := fmt.Sprintf("report:%s:%d", s.jobID, seq)
	return s.pub.PublishReport(ctx, string(s.jobID), string(e.Type), data, msgID)
}

func (s *NATSSender) Close() error { return nil }
