package memory

import (
	"fmt"
	"strings"

	"github.com/ledgerline/satori/internal/model"
)

// maxWorkedExamples bounds the evidence snippets surfaced to the model.
const maxWorkedExamples = 3

// workedExampleFloor is the confidence a memory needs before its evidence
// is presented as a worked example.
const workedExampleFloor = 0.8

// FormatForPrompt renders retrieved memories as the knowledge section of a
// system prompt: entity knowledge first, then learned patterns, then up to
// three worked examples drawn from high-confidence evidence. Returns "" when
// there is nothing to show.
func FormatForPrompt(memories []model.AgentMemory) string {
	if len(memories) == 0 {
		return ""
	}

	var entities, patterns []model.AgentMemory
	for _, m := range memories {
		if m.Scope == model.ScopeEntity {
			entities = append(entities, m)
		} else {
			patterns = append(patterns, m)
		}
	}

	var b strings.Builder
	if len(entities) > 0 {
		b.WriteString("## What you know about specific entities\n")
		for _, m := range entities {
			b.WriteString(formatMemoryLine(m))
		}
	}
	if len(patterns) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Learned patterns\n")
		for _, m := range patterns {
			b.WriteString(formatMemoryLine(m))
		}
	}

	examples := workedExamples(memories)
	if len(examples) > 0 {
		b.WriteString("\n## Worked examples\n")
		for _, ex := range examples {
			b.WriteString("- " + ex + "\n")
		}
	}
	return b.String()
}

func formatMemoryLine(m model.AgentMemory) string {
	label := ""
	if m.Scope == model.ScopeEntity && m.EntityKey != nil {
		label = *m.EntityKey + ": "
	} else if m.Category != nil {
		label = *m.Category + ": "
	}
	return fmt.Sprintf("- %s%s (confidence %.0f%%)\n", label, m.Content.Description, m.Confidence()*100)
}

// workedExamples pulls evidence snippets from high-confidence memories, in
// the caller's (relevance) order, capped at maxWorkedExamples.
func workedExamples(memories []model.AgentMemory) []string {
	var examples []string
	for _, m := range memories {
		if m.Confidence() < workedExampleFloor {
			continue
		}
		for _, ev := range m.Content.Evidence {
			ev = strings.TrimSpace(ev)
			if ev == "" {
				continue
			}
			examples = append(examples, ev)
			if len(examples) == maxWorkedExamples {
				return examples
			}
		}
	}
	return examples
}
