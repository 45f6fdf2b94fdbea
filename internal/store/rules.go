package store

import (
	"context"
	"fmt"

	"inbound-automation/internal/models"
)

// RulesForWorkspace returns a workspace's rules in declaration order,
// inactive ones included. The matcher decides what applies.
func (s *Store) RulesForWorkspace(ctx context.Context, workspaceID string) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, name, type, is_active, keywords, target_media_ids,
		       comment_responses, dm_responses, created_at, updated_at
		FROM automation_rules
		WHERE workspace_id = $1
		ORDER BY position, created_at, id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationRule
	for rows.Next() {
		var (
			r       models.AutomationRule
			ruleTyp string
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &ruleTyp, &r.IsActive, &r.Keywords, &r.TargetMediaIDs,
			&r.CommentResponses, &r.DMResponses, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Type = models.RuleType(ruleTyp)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}
