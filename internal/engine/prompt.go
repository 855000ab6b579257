package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgerline/satori/internal/budget"
	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
)

const rolePrompt = `You are a reconciliation agent. You match bank transactions against
ledger entries, investigate discrepancies, and decide which items can be
resolved automatically and which need a human.

Rules:
- Work step by step: pick one action per turn.
- Use the provided tools to act; never invent tool output.
- When every item is resolved or no further progress is possible, set "done": true.
- If you are not confident enough to act autonomously, set "needs_human": true
  and explain what a reviewer should look at in "human_message".
- Respond with ONLY a single JSON object of this exact shape:
{
  "reasoning": "why you chose this action",
  "action": "short description of the action",
  "tool_name": "tool to call, or null",
  "tool_input": { ... } or null,
  "done": false,
  "needs_human": false,
  "human_message": "optional message when needs_human is true"
}`

// previewLen bounds the per-step result preview in the history block.
const previewLen = 120

// buildSystemPrompt assembles the fixed role text, tool catalog, memory
// knowledge, caller instructions, and condensed history.
func buildSystemPrompt(toolCatalog string, memories []model.AgentMemory, customInstructions, history string) string {
	var b strings.Builder
	b.WriteString(rolePrompt)
	b.WriteString("\n\n## Available tools\n")
	b.WriteString(toolCatalog)

	if knowledge := memory.FormatForPrompt(memories); knowledge != "" {
		b.WriteString("\n")
		b.WriteString(knowledge)
	}
	if customInstructions != "" {
		b.WriteString("\n## Additional instructions\n")
		b.WriteString(customInstructions)
		b.WriteString("\n")
	}
	if history != "" {
		b.WriteString("\n## Recent steps\n")
		b.WriteString(history)
	}
	return b.String()
}

// buildUserPrompt assembles the goal, iteration counter, state summary, data
// block, and history for one iteration.
func buildUserPrompt(goal string, iteration, maxIterations int, state string, level budget.CompressionLevel, rows []json.RawMessage, history string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	fmt.Fprintf(&b, "Iteration: %d/%d\n", iteration, maxIterations)
	fmt.Fprintf(&b, "Current state: %s\n", state)

	if len(rows) > 0 {
		fmt.Fprintf(&b, "\n## Data (%s view, %d rows)\n", level, len(rows))
		for _, row := range rows {
			b.Write(row)
			b.WriteString("\n")
		}
	}
	if history != "" {
		b.WriteString("\n## Recent steps\n")
		b.WriteString(history)
	}
	b.WriteString("\nDecide your next action.")
	return b.String()
}

// renderHistory condenses the tail of the step list into one line per step.
func renderHistory(steps []model.ExecutionStep, maxSteps int) string {
	if maxSteps <= 0 || len(steps) == 0 {
		return ""
	}
	start := len(steps) - maxSteps
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, s := range steps[start:] {
		fmt.Fprintf(&b, "Step %d [%s]: %s -> %s\n", s.StepNumber, s.Status, s.Action, stepPreview(s))
	}
	return b.String()
}

// stepPreview summarizes what a step produced, truncated for the prompt.
func stepPreview(s model.ExecutionStep) string {
	preview := s.Reasoning
	if s.ToolOutput != nil {
		if raw, err := json.Marshal(s.ToolOutput); err == nil {
			preview = string(raw)
		}
	}
	if len(preview) > previewLen {
		preview = preview[:previewLen] + "..."
	}
	return preview
}
