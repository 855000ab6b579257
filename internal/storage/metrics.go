package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/satori/internal/model"
)

// CreateExecutionMetrics writes the once-per-execution metrics snapshot.
// The snapshot is immutable: a duplicate write for the same execution is
// silently dropped, keeping the first row.
func (db *DB) CreateExecutionMetrics(ctx context.Context, m model.ExecutionMetrics) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO execution_metrics
		 (id, org_id, execution_id, baseline_match_rate, agent_match_rate, exception_count,
		  memories_used, memories_created, memories_updated,
		  llm_call_count, tokens_used, estimated_cost, elapsed_ms, fallback_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (execution_id) DO NOTHING`,
		m.ID, m.OrgID, m.ExecutionID, m.BaselineMatchRate, m.AgentMatchRate, m.ExceptionCount,
		m.MemoriesUsed, m.MemoriesCreated, m.MemoriesUpdated,
		m.LLMCallCount, m.TokensUsed, m.EstimatedCost, m.ElapsedMs, m.FallbackUsed, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create execution metrics: %w", err)
	}
	return nil
}

// GetExecutionMetrics retrieves the metrics snapshot for an execution.
func (db *DB) GetExecutionMetrics(ctx context.Context, orgID, executionID uuid.UUID) (model.ExecutionMetrics, error) {
	var m model.ExecutionMetrics
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, execution_id, baseline_match_rate, agent_match_rate, exception_count,
		        memories_used, memories_created, memories_updated,
		        llm_call_count, tokens_used, estimated_cost, elapsed_ms, fallback_used, created_at
		 FROM execution_metrics WHERE org_id = $1 AND execution_id = $2`,
		orgID, executionID,
	).Scan(
		&m.ID, &m.OrgID, &m.ExecutionID, &m.BaselineMatchRate, &m.AgentMatchRate, &m.ExceptionCount,
		&m.MemoriesUsed, &m.MemoriesCreated, &m.MemoriesUpdated,
		&m.LLMCallCount, &m.TokensUsed, &m.EstimatedCost, &m.ElapsedMs, &m.FallbackUsed, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ExecutionMetrics{}, fmt.Errorf("storage: metrics for execution %s: %w", executionID, ErrNotFound)
		}
		return model.ExecutionMetrics{}, fmt.Errorf("storage: get execution metrics: %w", err)
	}
	return m, nil
}
