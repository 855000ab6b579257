// Package llm wraps chat-completion calls with model-tier selection, token
// and cost accounting, and a one-level cascade fallback.
//
// The transport is a black-box collaborator behind the Client interface;
// retry and timeout policy for individual requests belongs to the transport,
// not the gateway.
package llm

import "context"

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tier selects the default model class for a call.
type Tier string

const (
	TierReasoning    Tier = "reasoning"
	TierTool         Tier = "tool"
	TierDistillation Tier = "distillation"
)

// CallOptions configure a single gateway call.
type CallOptions struct {
	Tier        Tier
	Model       string // Explicit override; bypasses tier mapping when set.
	MaxTokens   int
	Temperature float64
	JSONOnly    bool // Instructs the provider to emit a single JSON object.
}

// Completion is the gateway's result for one call.
type Completion struct {
	Content      string
	Model        string
	TokensUsed   int
	DurationMs   int64
	Cost         float64
	FallbackUsed bool
}

// Request is the provider-facing call shape.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	JSONOnly    bool
}

// Response is the provider-facing result shape.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is the chat-completion transport. Implementations must apply their
// own per-request retry/timeout policy.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
