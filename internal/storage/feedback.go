package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/satori/internal/model"
)

// CreateFeedback records one human judgment on an execution's output.
func (db *DB) CreateFeedback(ctx context.Context, fb model.AgentFeedback) (model.AgentFeedback, error) {
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_feedback
		 (id, org_id, agent_id, execution_id, type, original_value, corrected_value, corrected_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		fb.ID, fb.OrgID, fb.AgentID, fb.ExecutionID, fb.Type,
		fb.OriginalValue, fb.CorrectedValue, fb.CorrectedBy, fb.CreatedAt,
	)
	if err != nil {
		return model.AgentFeedback{}, fmt.Errorf("storage: create feedback: %w", err)
	}
	return fb, nil
}

// ListFeedbackByExecution returns all feedback rows for one execution,
// oldest first.
func (db *DB) ListFeedbackByExecution(ctx context.Context, orgID, executionID uuid.UUID) ([]model.AgentFeedback, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, agent_id, execution_id, type, original_value, corrected_value, corrected_by, created_at
		 FROM agent_feedback
		 WHERE org_id = $1 AND execution_id = $2
		 ORDER BY created_at ASC`,
		orgID, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list feedback: %w", err)
	}
	defer rows.Close()

	var items []model.AgentFeedback
	for rows.Next() {
		var fb model.AgentFeedback
		if err := rows.Scan(
			&fb.ID, &fb.OrgID, &fb.AgentID, &fb.ExecutionID, &fb.Type,
			&fb.OriginalValue, &fb.CorrectedValue, &fb.CorrectedBy, &fb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		items = append(items, fb)
	}
	return items, rows.Err()
}
