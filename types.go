package satori

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Public boundary types. These are standalone structs with no internal
// imports so that host applications can implement the collaborator
// interfaces without reaching into internal packages.

// MatchRequest describes one matching pass over two row sets.
type MatchRequest struct {
	SourceRows    []map[string]any
	TargetRows    []map[string]any
	SourceColumns []string
	TargetColumns []string
	Rules         map[string]any
}

// MatchResult is the matching engine's outcome.
type MatchResult struct {
	Matched    []map[string]any
	Unmatched  []map[string]any
	Exceptions []map[string]any
	Variance   float64
}

// Matcher is the host's reconciliation matching engine.
type Matcher interface {
	RunMatching(ctx context.Context, req MatchRequest) (MatchResult, error)
}

// Vendor is one vendor directory entry.
type Vendor struct {
	Name     string
	Category string
	Aliases  []string
	Metadata map[string]any
}

// VendorDirectory is the host's vendor lookup service.
type VendorDirectory interface {
	Lookup(ctx context.Context, name string) ([]Vendor, error)
}

// ResultSink persists reconciliation results produced during a run.
type ResultSink interface {
	SaveResults(ctx context.Context, executionID string, results map[string]any) error
}

// LLMRequest is the chat-completion call shape for a custom provider.
type LLMRequest struct {
	Model       string
	System      string
	Messages    []LLMMessage
	MaxTokens   int
	Temperature float64
	JSONOnly    bool
}

// LLMMessage is one role-tagged chat message.
type LLMMessage struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// LLMResponse is the provider's result shape.
type LLMResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// LLMClient replaces the built-in Anthropic transport. Implementations must
// apply their own per-request retry/timeout policy.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// CreateAgentInput describes a new agent definition.
type CreateAgentInput struct {
	OrgID    uuid.UUID
	Name     string
	TaskType string
	Settings map[string]any
}

// CreateExecutionInput describes a new execution of an agent.
type CreateExecutionInput struct {
	OrgID        uuid.UUID
	AgentID      uuid.UUID
	Goal         string
	InputContext map[string]any
	TriggeredBy  string
}

// Row is one subject-dataset row handed to Run.
type Row struct {
	Data    map[string]any
	Matched bool
	Current bool
}

// RunInput identifies the execution to drive and supplies its dataset.
type RunInput struct {
	OrgID       uuid.UUID
	ExecutionID uuid.UUID
	Rows        []Row
	// EntityKeys are counterparty names in the dataset; they boost
	// entity-scoped memories at retrieval. Optional.
	EntityKeys []string
}

// RunOutcome is a finished execution's terminal summary.
type RunOutcome struct {
	Status       string // "completed", "needs_review", "failed", or "cancelled"
	Steps        int
	Outcome      map[string]any
	HumanMessage string
	TokensUsed   int
	Cost         float64
}

// Status is the lightweight progress view for pollers.
type Status struct {
	ExecutionID uuid.UUID
	Status      string
	StepCount   int
	LastAction  string
	LastReason  string
	UpdatedAt   time.Time
}

// CorrectionInput is one human judgment on one recommendation.
// Callers must guarantee at-most-once submission per correction event;
// a duplicate submission double-counts.
type CorrectionInput struct {
	OrgID       uuid.UUID
	AgentID     uuid.UUID
	ExecutionID uuid.UUID

	OriginalValue  string
	CorrectedValue string // empty means the human approved the original
	CorrectedBy    string

	// Rejected marks the recommendation as wrong without a replacement
	// value; it overrides the approval reading of an empty CorrectedValue.
	Rejected bool

	BasedOnMemoryID *uuid.UUID
	Vendor          string
	Category        string
}

// ItemOutcome pairs one agent recommendation with the human's final
// resolution of the same item.
type ItemOutcome struct {
	ItemID          string
	Recommended     string
	Resolved        string
	BasedOnMemoryID *uuid.UUID
	Vendor          string
	Category        string
}

// FeedbackCounts aggregates one ProcessRunFeedback pass.
type FeedbackCounts struct {
	Approved    int
	Corrected   int
	NewMemories int
}
