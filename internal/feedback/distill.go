package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
)

// patternConfidenceFloor is the minimum model-reported confidence for an
// ungrounded recommendation to be distilled into a pattern memory.
const patternConfidenceFloor = 0.6

// DistillCounts aggregates one DistillLessons pass. EntityMemories and
// PatternMemories count fresh creations; MemoriesUpdated counts upserts
// that reinforced an existing memory instead.
type DistillCounts struct {
	EntityMemories  int
	PatternMemories int
	MemoriesUpdated int
}

// Created is the total number of memories this pass brought into existence.
func (c DistillCounts) Created() int {
	return c.EntityMemories + c.PatternMemories
}

// DistillLessons mines a completed execution for knowledge that accrues
// without any human feedback: entities newly observed in tool outputs become
// entity memories, and moderately confident recommendations not grounded in
// an existing memory become pattern memories.
func (s *Service) DistillLessons(ctx context.Context, orgID, executionID uuid.UUID) (DistillCounts, error) {
	exec, err := s.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return DistillCounts{}, fmt.Errorf("feedback: distill: %w", err)
	}

	var counts DistillCounts
	seenVendors := make(map[string]bool)

	for _, step := range exec.Steps {
		if step.ToolOutput == nil {
			continue
		}

		for _, vendor := range vendorsIn(step.ToolOutput) {
			key := strings.ToLower(vendor)
			if seenVendors[key] {
				continue
			}
			seenVendors[key] = true

			v := vendor
			_, created, err := s.memories.Upsert(ctx, memory.UpsertInput{
				OrgID:     orgID,
				AgentID:   exec.AgentID,
				Scope:     model.ScopeEntity,
				EntityKey: &v,
				Content: model.MemoryContent{
					Description: fmt.Sprintf("%s appears in this agent's reconciliation data", vendor),
				},
			})
			if err != nil {
				s.logger.Warn("entity distillation failed", "execution_id", executionID, "vendor", vendor, "error", err)
				continue
			}
			if created {
				counts.EntityMemories++
			} else {
				counts.MemoriesUpdated++
			}
		}

		for _, rec := range recommendationsIn(step.ToolOutput) {
			if rec.Confidence < patternConfidenceFloor || rec.Grounded || rec.Description == "" {
				continue
			}
			category := rec.Category
			var cat *string
			if category != "" {
				cat = &category
			}
			_, created, err := s.memories.Upsert(ctx, memory.UpsertInput{
				OrgID:    orgID,
				AgentID:  exec.AgentID,
				Scope:    model.ScopePattern,
				Category: cat,
				Content:  model.MemoryContent{Description: rec.Description},
			})
			if err != nil {
				s.logger.Warn("pattern distillation failed", "execution_id", executionID, "error", err)
				continue
			}
			if created {
				counts.PatternMemories++
			} else {
				counts.MemoriesUpdated++
			}
		}
	}

	s.logger.Info("lessons distilled",
		"execution_id", executionID,
		"entity_memories", counts.EntityMemories, "pattern_memories", counts.PatternMemories,
		"memories_updated", counts.MemoriesUpdated)
	return counts, nil
}

// vendorsIn extracts counterparty names from a tool output's conventional
// "vendor" / "vendors" fields.
func vendorsIn(output map[string]any) []string {
	var vendors []string
	if v, ok := output["vendor"].(string); ok && strings.TrimSpace(v) != "" {
		vendors = append(vendors, strings.TrimSpace(v))
	}
	if list, ok := output["vendors"].([]any); ok {
		for _, item := range list {
			if v, ok := item.(string); ok && strings.TrimSpace(v) != "" {
				vendors = append(vendors, strings.TrimSpace(v))
			}
		}
	}
	return vendors
}

// recommendation is the conventional shape tools use to report candidate
// resolutions.
type recommendation struct {
	Description string
	Category    string
	Confidence  float64
	Grounded    bool
}

func recommendationsIn(output map[string]any) []recommendation {
	list, ok := output["recommendations"].([]any)
	if !ok {
		return nil
	}
	var recs []recommendation
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var rec recommendation
		rec.Description, _ = m["description"].(string)
		rec.Category, _ = m["category"].(string)
		if c, ok := m["confidence"].(float64); ok {
			rec.Confidence = c
		}
		if id, ok := m["based_on_memory_id"].(string); ok && id != "" {
			rec.Grounded = true
		}
		recs = append(recs, rec)
	}
	return recs
}
