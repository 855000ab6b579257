package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryScope distinguishes entity-specific knowledge from general patterns.
type MemoryScope string

const (
	ScopeEntity  MemoryScope = "entity"
	ScopePattern MemoryScope = "pattern"
)

// MemoryContent is the structured body of a memory.
type MemoryContent struct {
	Description   string     `json:"description"`
	Evidence      []string   `json:"evidence,omitempty"`
	LastConfirmed *time.Time `json:"last_confirmed,omitempty"`
}

// TriggerConditions is an optional structured predicate describing when a
// memory applies. Nil fields mean "no constraint".
type TriggerConditions struct {
	Vendor              *string  `json:"vendor,omitempty"`
	MinAmount           *float64 `json:"min_amount,omitempty"`
	MaxAmount           *float64 `json:"max_amount,omitempty"`
	DescriptionContains *string  `json:"description_contains,omitempty"`
}

// AgentMemory is a learned fact or pattern. It is the only entity that
// survives and accumulates value across executions of the same agent.
//
// Confidence is derived from a Beta(1,1) prior: a new memory starts at
// correct=1, total=2 (confidence 0.5) and every subsequent trial increments
// total, with correct incremented only on success.
type AgentMemory struct {
	ID                uuid.UUID          `json:"id"`
	OrgID             uuid.UUID          `json:"org_id"`
	AgentID           uuid.UUID          `json:"agent_id"`
	Scope             MemoryScope        `json:"scope"`
	EntityKey         *string            `json:"entity_key,omitempty"`
	Category          *string            `json:"category,omitempty"`
	Content           MemoryContent      `json:"content"`
	TriggerConditions *TriggerConditions `json:"trigger_conditions,omitempty"`
	FromCorrection    bool               `json:"from_correction"`

	CorrectCount int `json:"correct_count"`
	TotalCount   int `json:"total_count"`

	UsageCount int        `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsArchived bool       `json:"is_archived"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// RelevanceScore is computed at retrieval time and never stored.
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// Confidence returns correct/total, or the 0.5 prior when no trials exist.
func (m AgentMemory) Confidence() float64 {
	if m.TotalCount == 0 {
		return 0.5
	}
	return float64(m.CorrectCount) / float64(m.TotalCount)
}
