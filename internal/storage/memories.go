package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ledgerline/satori/internal/model"
)

const memoryColumns = `id, org_id, agent_id, scope, entity_key, category, content,
	trigger_conditions, from_correction, correct_count, total_count, usage_count,
	last_used_at, is_archived, created_at, updated_at`

// activeMemoryCap bounds how many candidate rows retrieval pulls for
// in-process scoring.
const activeMemoryCap = 100

func scanMemory(row pgx.Row) (model.AgentMemory, error) {
	var m model.AgentMemory
	var content []byte
	var triggers []byte
	err := row.Scan(
		&m.ID, &m.OrgID, &m.AgentID, &m.Scope, &m.EntityKey, &m.Category, &content,
		&triggers, &m.FromCorrection, &m.CorrectCount, &m.TotalCount, &m.UsageCount,
		&m.LastUsedAt, &m.IsArchived, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return model.AgentMemory{}, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return model.AgentMemory{}, fmt.Errorf("decode content: %w", err)
		}
	}
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &m.TriggerConditions); err != nil {
			return model.AgentMemory{}, fmt.Errorf("decode trigger conditions: %w", err)
		}
	}
	return m, nil
}

// CreateMemory inserts a new memory with the Beta(1,1) prior counts unless
// the caller supplied explicit counts.
func (db *DB) CreateMemory(ctx context.Context, mem model.AgentMemory) (model.AgentMemory, error) {
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	if mem.TotalCount == 0 {
		mem.CorrectCount = 1
		mem.TotalCount = 2
	}
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now

	content, err := json.Marshal(mem.Content)
	if err != nil {
		return model.AgentMemory{}, fmt.Errorf("storage: encode memory content: %w", err)
	}
	var triggers []byte
	if mem.TriggerConditions != nil {
		triggers, err = json.Marshal(mem.TriggerConditions)
		if err != nil {
			return model.AgentMemory{}, fmt.Errorf("storage: encode trigger conditions: %w", err)
		}
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO agent_memories
		 (id, org_id, agent_id, scope, entity_key, category, content, trigger_conditions,
		  from_correction, correct_count, total_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		mem.ID, mem.OrgID, mem.AgentID, mem.Scope, mem.EntityKey, mem.Category, content, triggers,
		mem.FromCorrection, mem.CorrectCount, mem.TotalCount, mem.CreatedAt, mem.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.AgentMemory{}, fmt.Errorf("storage: create memory: %w", ErrDuplicateKey)
		}
		return model.AgentMemory{}, fmt.Errorf("storage: create memory: %w", err)
	}
	return mem, nil
}

// GetMemory retrieves a memory by ID, scoped to an org.
func (db *DB) GetMemory(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories WHERE id = $1 AND org_id = $2`, id, orgID)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentMemory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.AgentMemory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// FindMemoryByKey looks up the live (non-archived) memory under a composite
// key. Nil entityKey / category match rows where the column is NULL.
func (db *DB) FindMemoryByKey(ctx context.Context, orgID, agentID uuid.UUID, scope model.MemoryScope, entityKey, category *string) (model.AgentMemory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories
		 WHERE org_id = $1 AND agent_id = $2 AND scope = $3
		   AND COALESCE(entity_key, '') = COALESCE($4, '')
		   AND COALESCE(category, '') = COALESCE($5, '')
		   AND NOT is_archived`,
		orgID, agentID, scope, entityKey, category,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentMemory{}, fmt.Errorf("storage: memory by key: %w", ErrNotFound)
		}
		return model.AgentMemory{}, fmt.Errorf("storage: find memory by key: %w", err)
	}
	return m, nil
}

// ListActiveMemories returns non-archived memories above the confidence
// floor, ordered by confidence descending, capped for in-process ranking.
func (db *DB) ListActiveMemories(ctx context.Context, orgID, agentID uuid.UUID, confidenceFloor float64) ([]model.AgentMemory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM agent_memories
		 WHERE org_id = $1 AND agent_id = $2 AND NOT is_archived
		   AND correct_count::float8 / total_count::float8 >= $3
		 ORDER BY correct_count::float8 / total_count::float8 DESC, updated_at DESC
		 LIMIT $4`,
		orgID, agentID, confidenceFloor, activeMemoryCap,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active memories: %w", err)
	}
	defer rows.Close()

	var mems []model.AgentMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

// TouchMemories bumps usage counters for the memories actually injected
// into a prompt. Retrieval side effect; failures here are non-fatal to the
// caller and surface only as a logged error.
func (db *DB) TouchMemories(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE agent_memories
		 SET usage_count = usage_count + 1, last_used_at = now()
		 WHERE org_id = $1 AND id = ANY($2)`,
		orgID, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: touch memories: %w", err)
	}
	return nil
}

// ReinforceMemory records a confirming trial: both counters increment. The
// increments run inside the statement so concurrent reinforce/weaken calls
// serialize on the row rather than clobbering stale in-memory counts.
func (db *DB) ReinforceMemory(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error) {
	return db.recordTrial(ctx, orgID, id, 1)
}

// WeakenMemory records a contradicting trial: only the total increments.
func (db *DB) WeakenMemory(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error) {
	return db.recordTrial(ctx, orgID, id, 0)
}

func (db *DB) recordTrial(ctx context.Context, orgID, id uuid.UUID, correctDelta int) (model.AgentMemory, error) {
	var m model.AgentMemory
	// Trials from concurrent executions can deadlock against batch usage
	// updates on the same rows, so retry transient conflicts.
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		row := db.pool.QueryRow(ctx,
			`UPDATE agent_memories
			 SET correct_count = correct_count + $1,
			     total_count   = total_count + 1,
			     updated_at    = now()
			 WHERE id = $2 AND org_id = $3
			 RETURNING `+memoryColumns,
			correctDelta, id, orgID,
		)
		var scanErr error
		m, scanErr = scanMemory(row)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentMemory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.AgentMemory{}, fmt.Errorf("storage: record memory trial: %w", err)
	}
	return m, nil
}

// UpdateMemoryContent replaces a memory's content body and optional trigger
// conditions, leaving the trial counters untouched.
func (db *DB) UpdateMemoryContent(ctx context.Context, orgID, id uuid.UUID, content model.MemoryContent, triggers *model.TriggerConditions, fromCorrection bool) (model.AgentMemory, error) {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return model.AgentMemory{}, fmt.Errorf("storage: encode memory content: %w", err)
	}
	var rawTriggers []byte
	if triggers != nil {
		rawTriggers, err = json.Marshal(triggers)
		if err != nil {
			return model.AgentMemory{}, fmt.Errorf("storage: encode trigger conditions: %w", err)
		}
	}
	row := db.pool.QueryRow(ctx,
		`UPDATE agent_memories
		 SET content = $1, trigger_conditions = $2,
		     from_correction = from_correction OR $3,
		     updated_at = now()
		 WHERE id = $4 AND org_id = $5
		 RETURNING `+memoryColumns,
		rawContent, rawTriggers, fromCorrection, id, orgID,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentMemory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.AgentMemory{}, fmt.Errorf("storage: update memory content: %w", err)
	}
	return m, nil
}

// ArchiveMemory soft-deletes a memory. Archived rows are excluded from
// retrieval and from the live-key uniqueness constraint, so a fresh memory
// may later be created under the same key.
func (db *DB) ArchiveMemory(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_memories SET is_archived = true, updated_at = now()
		 WHERE id = $1 AND org_id = $2 AND NOT is_archived`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: archive memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
	}
	return nil
}
