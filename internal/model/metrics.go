package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionMetrics is a write-once point-in-time snapshot per execution.
type ExecutionMetrics struct {
	ID          uuid.UUID `json:"id"`
	OrgID       uuid.UUID `json:"org_id"`
	ExecutionID uuid.UUID `json:"execution_id"`

	BaselineMatchRate *float64 `json:"baseline_match_rate,omitempty"`
	AgentMatchRate    *float64 `json:"agent_match_rate,omitempty"`
	ExceptionCount    int      `json:"exception_count"`

	MemoriesUsed    int `json:"memories_used"`
	MemoriesCreated int `json:"memories_created"`
	MemoriesUpdated int `json:"memories_updated"`

	LLMCallCount  int     `json:"llm_call_count"`
	TokensUsed    int     `json:"tokens_used"`
	EstimatedCost float64 `json:"estimated_cost"`
	ElapsedMs     int64   `json:"elapsed_ms"`
	FallbackUsed  bool    `json:"fallback_used"`

	CreatedAt time.Time `json:"created_at"`
}
