package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerline/satori/internal/model"
)

func ptr(s string) *string { return &s }

func mem(scope model.MemoryScope, entityKey string, correct, total int) model.AgentMemory {
	m := model.AgentMemory{
		Scope:        scope,
		CorrectCount: correct,
		TotalCount:   total,
	}
	if entityKey != "" {
		m.EntityKey = &entityKey
	}
	return m
}

func TestRecencyWeight(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("never used does not decay", func(t *testing.T) {
		m := mem(model.ScopeEntity, "ACME", 9, 10)
		assert.InDelta(t, 0.9, Score(m, nil, now), 1e-9)
	})

	t.Run("used this month does not decay", func(t *testing.T) {
		used := now.AddDate(0, 0, -10)
		m := mem(model.ScopeEntity, "ACME", 9, 10)
		m.LastUsedAt = &used
		assert.InDelta(t, 0.9, Score(m, nil, now), 1e-9)
	})

	t.Run("decays 0.9 per month", func(t *testing.T) {
		used := now.AddDate(0, 0, -65) // two whole 30-day months
		m := mem(model.ScopeEntity, "ACME", 10, 10)
		m.LastUsedAt = &used
		assert.InDelta(t, 0.81, Score(m, nil, now), 1e-9)
	})
}

func TestEntityBoost(t *testing.T) {
	now := time.Now().UTC()
	m := mem(model.ScopeEntity, "ACME Corp", 1, 2) // confidence 0.5

	t.Run("no keys", func(t *testing.T) {
		assert.InDelta(t, 0.5, Score(m, nil, now), 1e-9)
	})

	t.Run("case-insensitive substring match", func(t *testing.T) {
		assert.InDelta(t, 1.0, Score(m, []string{"acme"}, now), 1e-9)
	})

	t.Run("match in either direction", func(t *testing.T) {
		assert.InDelta(t, 1.0, Score(m, []string{"ACME Corp International"}, now), 1e-9)
	})

	t.Run("non-matching key", func(t *testing.T) {
		assert.InDelta(t, 0.5, Score(m, []string{"Globex"}, now), 1e-9)
	})

	t.Run("pattern memory never boosted", func(t *testing.T) {
		p := mem(model.ScopePattern, "", 1, 2)
		assert.InDelta(t, 0.5, Score(p, []string{"anything"}, now), 1e-9)
	})
}

func TestMergeContent(t *testing.T) {
	old := model.MemoryContent{
		Description: "old description",
		Evidence:    []string{"a", "b"},
	}
	confirmed := time.Now().UTC()

	merged := mergeContent(old, model.MemoryContent{
		Description:   "new description",
		Evidence:      []string{"b", "c"},
		LastConfirmed: &confirmed,
	})
	assert.Equal(t, "new description", merged.Description)
	assert.Equal(t, []string{"a", "b", "c"}, merged.Evidence)
	assert.Equal(t, &confirmed, merged.LastConfirmed)

	// Empty new fields keep the old values.
	kept := mergeContent(old, model.MemoryContent{})
	assert.Equal(t, "old description", kept.Description)
	assert.Equal(t, []string{"a", "b"}, kept.Evidence)
}

func TestFormatForPrompt(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, FormatForPrompt(nil))
	})

	t.Run("sections and examples", func(t *testing.T) {
		memories := []model.AgentMemory{
			{
				Scope: model.ScopeEntity, EntityKey: ptr("ACME Corp"),
				CorrectCount: 9, TotalCount: 10,
				Content: model.MemoryContent{
					Description: "settles invoices in two partial payments",
					Evidence:    []string{"inv-1041 matched two wires of 4500 and 500"},
				},
			},
			{
				Scope: model.ScopePattern, Category: ptr("timing"),
				CorrectCount: 3, TotalCount: 5,
				Content: model.MemoryContent{Description: "wire transfers post one business day late"},
			},
		}
		out := FormatForPrompt(memories)
		assert.Contains(t, out, "## What you know about specific entities")
		assert.Contains(t, out, "ACME Corp: settles invoices in two partial payments (confidence 90%)")
		assert.Contains(t, out, "## Learned patterns")
		assert.Contains(t, out, "timing: wire transfers post one business day late (confidence 60%)")
		assert.Contains(t, out, "## Worked examples")
		assert.Contains(t, out, "inv-1041 matched two wires")
	})

	t.Run("low-confidence evidence is not a worked example", func(t *testing.T) {
		memories := []model.AgentMemory{{
			Scope: model.ScopePattern, Category: ptr("rounding"),
			CorrectCount: 1, TotalCount: 2,
			Content: model.MemoryContent{
				Description: "amounts may differ by a cent",
				Evidence:    []string{"inv-7 off by 0.01"},
			},
		}}
		out := FormatForPrompt(memories)
		assert.NotContains(t, out, "Worked examples")
	})

	t.Run("examples capped at three", func(t *testing.T) {
		m := model.AgentMemory{
			Scope: model.ScopeEntity, EntityKey: ptr("Initech"),
			CorrectCount: 9, TotalCount: 10,
			Content: model.MemoryContent{
				Description: "references invoices by PO number",
				Evidence:    []string{"e1", "e2", "e3", "e4", "e5"},
			},
		}
		out := FormatForPrompt([]model.AgentMemory{m})
		assert.Equal(t, 3, strings.Count(out, "\n- e"))
		assert.NotContains(t, out, "e4")
	})
}
