package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"inbound-automation/internal/models"
)

// SaveSnapshots inserts polled metrics in one round trip.
func (s *Store) SaveSnapshots(ctx context.Context, snaps []models.MetricSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		values, err := json.Marshal(snap.Values)
		if err != nil {
			return fmt.Errorf("marshal metrics for %s: %w", snap.ObjectID, err)
		}
		batch.Queue(`
			INSERT INTO metric_snapshots (workspace_id, platform_account_id, object_id, class, metrics, collected_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, snap.WorkspaceID, snap.PlatformAccountID, snap.ObjectID, snap.Class, values, snap.CollectedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}
	return nil
}
