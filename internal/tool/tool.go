// Package tool provides the name→handler registry the reasoning loop acts
// through. The registry is an explicit object constructed once at startup and
// injected into the orchestrator; tool failures are isolated at the Execute
// boundary and never crash the loop.
package tool

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Handler executes one tool call. Implementations wrap exactly one external
// service call. Errors returned here are converted into failed Results at the
// registry boundary; handlers should not panic, but a panic is contained too.
type Handler func(ctx context.Context, input json.RawMessage, rc RunContext) (map[string]any, error)

// Definition declares a tool: its prompt-facing description, the JSON schema
// its input must satisfy, and the handler that runs it.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// RunContext carries execution identity into handlers.
type RunContext struct {
	OrgID       uuid.UUID
	AgentID     uuid.UUID
	ExecutionID uuid.UUID
}

// Result is the outcome of one tool execution. Success=false carries a
// non-empty Error; the loop records it as a failed step and continues.
type Result struct {
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}
