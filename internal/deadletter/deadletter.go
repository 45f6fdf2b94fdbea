// Package deadletter keeps a capped Redis list of permanently failed jobs for operators.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inbound-automation/internal/scheduler"
)

// Entry is one dead-lettered job.
type Entry struct {
	JobID         int64           `json:"job_id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	Error         string          `json:"error"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

// Queue is newest-first and trimmed to max entries.
type Queue struct {
	client redis.Cmdable
	key    string
	max    int64
}

func New(client redis.Cmdable, key string, max int64) *Queue {
	if key == "" {
		key = "queue:dlq"
	}
	if max <= 0 {
		max = 1000
	}
	return &Queue{client: client, key: key, max: max}
}

// RecordFailure pushes job onto the list.
func (q *Queue) RecordFailure(ctx context.Context, job scheduler.Job, cause error) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	e := Entry{
		JobID:         int64(job.ID),
		Type:          job.Type,
		CorrelationID: job.CorrelationID,
		Priority:      job.Priority,
		Attempts:      job.Attempts,
		Payload:       payload,
		FailedAt:      job.FinishedAt,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	pipe.LTrim(ctx, q.key, 0, q.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq push: %w", err)
	}
	return nil
}

// Peek reads the latest count entries.
func (q *Queue) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}
	raws, err := q.client.LRange(ctx, q.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq peek: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of entries held.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

var _ scheduler.FailureRecorder = (*Queue)(nil)
