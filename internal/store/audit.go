package store

import (
	"context"
	"encoding/json"
	"fmt"

	"inbound-automation/internal/scheduler"
)

// RecordFailure appends a permanently failed job to job_audit.
func (s *Store) RecordFailure(ctx context.Context, job scheduler.Job, cause error) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, job_type, correlation_id, priority, attempts, max_attempts, state, error, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, int64(job.ID), job.Type, emptyToNil(job.CorrelationID), job.Priority, job.Attempts, job.MaxAttempts,
		string(job.State), emptyToNil(msg), payload)
	if err != nil {
		return fmt.Errorf("insert job audit: %w", err)
	}
	return nil
}

var _ scheduler.FailureRecorder = (*Store)(nil)
