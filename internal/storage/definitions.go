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

const definitionColumns = `id, org_id, name, task_type, config_ref, settings, is_active, created_at, updated_at`

// CreateDefinition inserts a new agent definition.
func (db *DB) CreateDefinition(ctx context.Context, def model.AgentDefinition) (model.AgentDefinition, error) {
	if err := model.ValidateAgentName(def.Name); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: create definition: %w", err)
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if def.Settings == nil {
		def.Settings = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_definitions (id, org_id, name, task_type, config_ref, settings, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		def.ID, def.OrgID, def.Name, def.TaskType, def.ConfigRef,
		def.Settings, def.IsActive, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: create definition: %w", err)
	}
	return def, nil
}

// GetDefinition retrieves a definition by ID, scoped to an org.
func (db *DB) GetDefinition(ctx context.Context, orgID, id uuid.UUID) (model.AgentDefinition, error) {
	var d model.AgentDefinition
	err := db.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(
		&d.ID, &d.OrgID, &d.Name, &d.TaskType, &d.ConfigRef,
		&d.Settings, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: definition %s: %w", id, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get definition: %w", err)
	}
	return d, nil
}

// ListDefinitions returns definitions within an org with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListDefinitions(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.AgentDefinition, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+definitionColumns+` FROM agent_definitions
		 WHERE org_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.AgentDefinition
	for rows.Next() {
		var d model.AgentDefinition
		if err := rows.Scan(
			&d.ID, &d.OrgID, &d.Name, &d.TaskType, &d.ConfigRef,
			&d.Settings, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// UpdateDefinitionSettings merges new settings into a definition's settings blob.
func (db *DB) UpdateDefinitionSettings(ctx context.Context, orgID, id uuid.UUID, settings map[string]any) (model.AgentDefinition, error) {
	var d model.AgentDefinition
	err := db.pool.QueryRow(ctx,
		`UPDATE agent_definitions
		 SET settings = settings || $1::jsonb, updated_at = now()
		 WHERE id = $2 AND org_id = $3
		 RETURNING `+definitionColumns,
		settings, id, orgID,
	).Scan(
		&d.ID, &d.OrgID, &d.Name, &d.TaskType, &d.ConfigRef,
		&d.Settings, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: definition %s: %w", id, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: update definition settings: %w", err)
	}
	return d, nil
}

// SetDefinitionActive flips a definition's active flag.
func (db *DB) SetDefinitionActive(ctx context.Context, orgID, id uuid.UUID, active bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_definitions SET is_active = $1, updated_at = now() WHERE id = $2 AND org_id = $3`,
		active, id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: set definition active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: definition %s: %w", id, ErrNotFound)
	}
	return nil
}
