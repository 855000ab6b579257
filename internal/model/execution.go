// Package model defines the core domain types for Satori.
//
// All types correspond directly to database tables or to transient values
// exchanged between the reasoning loop and its collaborators. Types use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible; free-form payloads are json.RawMessage validated at the boundary.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of an agent execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusNeedsReview ExecutionStatus = "needs_review"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusNeedsReview,
		ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// TriggerType describes what initiated an execution.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWorkflow  TriggerType = "workflow"
)

// StepStatus represents the outcome of a single execution step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// AgentExecution is one run of the reasoning loop. The steps slice is owned
// exclusively by the execution's own loop instance: every iteration appends
// exactly one step, and steps[i].StepNumber == i+1 always holds.
type AgentExecution struct {
	ID            uuid.UUID       `json:"id"`
	OrgID         uuid.UUID       `json:"org_id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	Status        ExecutionStatus `json:"status"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggeredBy   string          `json:"triggered_by"`
	Goal          string          `json:"goal"`
	InputContext  map[string]any  `json:"input_context"`
	Steps         []ExecutionStep `json:"steps"`
	Outcome       map[string]any  `json:"outcome,omitempty"`
	PromptVersion string          `json:"prompt_version"`
	FallbackUsed  bool            `json:"fallback_used"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	HumanMessage  *string         `json:"human_message,omitempty"`

	// Running totals, recomputed on every step append.
	LLMCallCount  int     `json:"llm_call_count"`
	TokensUsed    int     `json:"tokens_used"`
	EstimatedCost float64 `json:"estimated_cost"`
	ElapsedMs     int64   `json:"elapsed_ms"`

	// HumanCorrectionCount tracks how many human corrections this
	// execution has received post-hoc.
	HumanCorrectionCount int `json:"human_correction_count"`

	CancelRequested bool       `json:"cancel_requested"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ExecutionStep is a single iteration of the loop. Immutable once appended.
type ExecutionStep struct {
	StepNumber int             `json:"step_number"`
	Timestamp  time.Time       `json:"timestamp"`
	Action     string          `json:"action"`
	Reasoning  string          `json:"reasoning"`
	ToolName   *string         `json:"tool_name,omitempty"`
	ToolOutput map[string]any  `json:"tool_output,omitempty"`
	Status     StepStatus      `json:"status"`
	Model      *string         `json:"model,omitempty"`
	// LLMCalls is the number of gateway calls behind this step: 1 normally,
	// 2 when a correction retry happened.
	LLMCalls   int     `json:"llm_calls,omitempty"`
	TokensUsed int     `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

// StatusSnapshot is the progress view returned to external pollers.
type StatusSnapshot struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	StepCount   int             `json:"step_count"`
	LastAction  string          `json:"last_action,omitempty"`
	LastReason  string          `json:"last_reasoning,omitempty"`
	LastStatus  StepStatus      `json:"last_step_status,omitempty"`
	// UpdatedAt is the time of the last recorded activity: the latest of
	// creation, the last appended step, and completion.
	UpdatedAt time.Time `json:"updated_at"`
}
