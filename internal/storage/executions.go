package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/satori/internal/model"
)

const executionColumns = `id, org_id, agent_id, status, trigger_type, triggered_by, goal,
	input_context, steps, outcome, prompt_version, fallback_used, failure_reason, human_message,
	llm_call_count, tokens_used, estimated_cost, elapsed_ms, human_correction_count,
	cancel_requested, completed_at, created_at`

func scanExecution(row pgx.Row) (model.AgentExecution, error) {
	var e model.AgentExecution
	var steps []byte
	err := row.Scan(
		&e.ID, &e.OrgID, &e.AgentID, &e.Status, &e.TriggerType, &e.TriggeredBy, &e.Goal,
		&e.InputContext, &steps, &e.Outcome, &e.PromptVersion, &e.FallbackUsed, &e.FailureReason, &e.HumanMessage,
		&e.LLMCallCount, &e.TokensUsed, &e.EstimatedCost, &e.ElapsedMs, &e.HumanCorrectionCount,
		&e.CancelRequested, &e.CompletedAt, &e.CreatedAt,
	)
	if err != nil {
		return model.AgentExecution{}, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &e.Steps); err != nil {
			return model.AgentExecution{}, fmt.Errorf("decode steps: %w", err)
		}
	}
	return e, nil
}

// CreateExecution inserts a new execution in the running state.
func (db *DB) CreateExecution(ctx context.Context, exec model.AgentExecution) (model.AgentExecution, error) {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = model.ExecutionStatusRunning
	}
	if exec.TriggerType == "" {
		exec.TriggerType = model.TriggerManual
	}
	if exec.InputContext == nil {
		exec.InputContext = map[string]any{}
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_executions
		 (id, org_id, agent_id, status, trigger_type, triggered_by, goal, input_context, prompt_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exec.ID, exec.OrgID, exec.AgentID, exec.Status, exec.TriggerType,
		exec.TriggeredBy, exec.Goal, exec.InputContext, exec.PromptVersion, exec.CreatedAt,
	)
	if err != nil {
		return model.AgentExecution{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return exec, nil
}

// GetExecution retrieves an execution by ID, scoped to an org.
func (db *DB) GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM agent_executions WHERE id = $1 AND org_id = $2`, id, orgID)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentExecution{}, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return model.AgentExecution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// ListExecutionsByAgent returns recent executions for an agent, newest first.
func (db *DB) ListExecutionsByAgent(ctx context.Context, orgID, agentID uuid.UUID, limit int) ([]model.AgentExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM agent_executions
		 WHERE org_id = $1 AND agent_id = $2 ORDER BY created_at DESC LIMIT $3`,
		orgID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list executions: %w", err)
	}
	defer rows.Close()

	var execs []model.AgentExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// AppendStep appends one step to a running execution and folds its usage
// into the running totals in a single statement. Appending to a terminal
// execution returns ErrAlreadyTerminal.
func (db *DB) AppendStep(ctx context.Context, orgID, id uuid.UUID, step model.ExecutionStep, fallbackUsed bool) error {
	raw, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("storage: encode step: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions
		 SET steps          = steps || $1::jsonb,
		     llm_call_count = llm_call_count + $2,
		     tokens_used    = tokens_used + $3,
		     estimated_cost = estimated_cost + $4,
		     elapsed_ms     = elapsed_ms + $5,
		     fallback_used  = fallback_used OR $6
		 WHERE id = $7 AND org_id = $8 AND status = 'running'`,
		raw, step.LLMCalls, step.TokensUsed, step.Cost, step.DurationMs, fallbackUsed, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: append step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrMissing(ctx, orgID, id)
	}
	return nil
}

// FinishExecution transitions a running execution into a terminal status.
// Only the loop that owns the execution calls this, exactly once; a second
// call (or a call racing a cancel) returns ErrAlreadyTerminal.
func (db *DB) FinishExecution(ctx context.Context, orgID, id uuid.UUID, status model.ExecutionStatus, outcome map[string]any, failureReason, humanMessage *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: finish execution: %q is not a terminal status", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions
		 SET status = $1, outcome = $2, failure_reason = $3, human_message = $4, completed_at = now()
		 WHERE id = $5 AND org_id = $6 AND status = 'running'`,
		status, outcome, failureReason, humanMessage, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrMissing(ctx, orgID, id)
	}
	return nil
}

// RequestCancel sets the cancellation flag on a running execution. The flag
// is advisory: the loop honors it at its next iteration boundary. Requesting
// cancellation of a terminal execution returns ErrAlreadyTerminal.
func (db *DB) RequestCancel(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions SET cancel_requested = true
		 WHERE id = $1 AND org_id = $2 AND status = 'running'`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrMissing(ctx, orgID, id)
	}
	return nil
}

// IsCancelRequested reads only the cancellation flag. Called at every
// iteration boundary, so it stays a single-column lookup.
func (db *DB) IsCancelRequested(ctx context.Context, orgID, id uuid.UUID) (bool, error) {
	var requested bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM agent_executions WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("storage: is cancel requested: %w", err)
	}
	return requested, nil
}

// GetStatusSnapshot returns the lightweight progress view for pollers
// without decoding the full step history.
func (db *DB) GetStatusSnapshot(ctx context.Context, orgID, id uuid.UUID) (model.StatusSnapshot, error) {
	var s model.StatusSnapshot
	var lastAction, lastReason, lastStatus *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, status, jsonb_array_length(steps),
		        steps -> -1 ->> 'action', steps -> -1 ->> 'reasoning', steps -> -1 ->> 'status',
		        GREATEST(created_at,
		                 COALESCE((steps -> -1 ->> 'timestamp')::timestamptz, created_at),
		                 COALESCE(completed_at, created_at))
		 FROM agent_executions WHERE id = $1 AND org_id = $2`,
		id, orgID,
	).Scan(&s.ExecutionID, &s.Status, &s.StepCount, &lastAction, &lastReason, &lastStatus, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StatusSnapshot{}, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return model.StatusSnapshot{}, fmt.Errorf("storage: get status snapshot: %w", err)
	}
	if lastAction != nil {
		s.LastAction = *lastAction
	}
	if lastReason != nil {
		s.LastReason = *lastReason
	}
	if lastStatus != nil {
		s.LastStatus = model.StepStatus(*lastStatus)
	}
	return s, nil
}

// IncrementCorrectionCount bumps the execution's human-correction counter.
// Corrections arrive after the execution is terminal, so no status guard.
func (db *DB) IncrementCorrectionCount(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions SET human_correction_count = human_correction_count + 1
		 WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: increment correction count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// terminalOrMissing disambiguates a zero-row guarded update: the execution
// either does not exist or has already reached a terminal status.
func (db *DB) terminalOrMissing(ctx context.Context, orgID, id uuid.UUID) error {
	var status model.ExecutionStatus
	err := db.pool.QueryRow(ctx,
		`SELECT status FROM agent_executions WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: check execution status: %w", err)
	}
	return fmt.Errorf("storage: execution %s in status %q: %w", id, status, ErrAlreadyTerminal)
}
