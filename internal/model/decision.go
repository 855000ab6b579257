package model

import "encoding/json"

// Decision is the structured output of one reasoning-tier LLM call.
// Transient: it is validated at the boundary and never persisted on its own;
// the loop records its fields on the execution step instead.
type Decision struct {
	Reasoning    string          `json:"reasoning"`
	Action       string          `json:"action"`
	ToolName     *string         `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	Done         bool            `json:"done"`
	NeedsHuman   bool            `json:"needs_human"`
	HumanMessage *string         `json:"human_message,omitempty"`
}

// WantsTool reports whether the decision names a tool to execute.
// The loop treats done=true as terminal regardless of tool fields.
func (d Decision) WantsTool() bool {
	return d.ToolName != nil && *d.ToolName != ""
}
