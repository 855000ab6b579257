// Package feedback closes the learning loop: human judgments adjust memory
// confidence, corrections become new memories, and completed executions are
// mined for lessons even when no human ever weighs in.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
)

// Store is the persistence surface the service needs. *storage.DB satisfies
// it.
type Store interface {
	CreateFeedback(ctx context.Context, fb model.AgentFeedback) (model.AgentFeedback, error)
	IncrementCorrectionCount(ctx context.Context, orgID, id uuid.UUID) error
	GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error)
}

// Memories is the memory-write surface. *memory.Service satisfies it.
type Memories interface {
	Upsert(ctx context.Context, in memory.UpsertInput) (model.AgentMemory, bool, error)
	Reinforce(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error)
	Weaken(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error)
}

// Service implements the feedback and learning loop.
type Service struct {
	store    Store
	memories Memories
	logger   *slog.Logger
}

// New creates a feedback Service.
func New(store Store, memories Memories, logger *slog.Logger) *Service {
	return &Service{store: store, memories: memories, logger: logger}
}

// Correction is one human judgment on one recommendation.
//
// Submitting the same correction twice double-counts: the caller owns
// at-most-once delivery per correction event.
type Correction struct {
	OrgID       uuid.UUID
	AgentID     uuid.UUID
	ExecutionID uuid.UUID

	OriginalValue  string
	CorrectedValue *string // nil means the human approved the original
	CorrectedBy    string

	// Rejected marks the recommendation as wrong without supplying a
	// replacement value.
	Rejected bool

	// BasedOnMemoryID cites the memory the recommendation leaned on.
	BasedOnMemoryID *uuid.UUID
	// Vendor scopes a resulting corrective memory to an entity.
	Vendor *string
	// Category carries the human's reclassification, when one happened.
	Category *string
}

func (c Correction) feedbackType() model.FeedbackType {
	switch {
	case c.Rejected:
		return model.FeedbackRejection
	case c.CorrectedValue == nil:
		return model.FeedbackApproval
	default:
		return model.FeedbackCorrection
	}
}

// HandleCorrection applies one human judgment: it adjusts the cited
// memory's confidence, records the corrective lesson as a memory when the
// human reclassified, always bumps the execution's human-correction counter,
// and stores the feedback row.
func (s *Service) HandleCorrection(ctx context.Context, c Correction) error {
	fbType := c.feedbackType()

	if c.BasedOnMemoryID != nil {
		var err error
		if fbType == model.FeedbackApproval {
			_, err = s.memories.Reinforce(ctx, c.OrgID, *c.BasedOnMemoryID)
		} else {
			_, err = s.memories.Weaken(ctx, c.OrgID, *c.BasedOnMemoryID)
		}
		if err != nil {
			return fmt.Errorf("feedback: adjust cited memory: %w", err)
		}
	}

	if fbType == model.FeedbackCorrection && c.Category != nil {
		if err := s.recordCorrectiveMemory(ctx, c); err != nil {
			return err
		}
	}

	// Every judgment counts against the execution, approvals included: the
	// counter measures how much human attention the run consumed.
	if err := s.store.IncrementCorrectionCount(ctx, c.OrgID, c.ExecutionID); err != nil {
		return fmt.Errorf("feedback: correction counter: %w", err)
	}

	if _, err := s.store.CreateFeedback(ctx, model.AgentFeedback{
		OrgID:          c.OrgID,
		AgentID:        c.AgentID,
		ExecutionID:    c.ExecutionID,
		Type:           fbType,
		OriginalValue:  c.OriginalValue,
		CorrectedValue: c.CorrectedValue,
		CorrectedBy:    c.CorrectedBy,
	}); err != nil {
		return fmt.Errorf("feedback: record: %w", err)
	}
	return nil
}

// recordCorrectiveMemory upserts a correction-flagged memory describing what
// the right answer actually was. Entity-scoped when a vendor is named.
func (s *Service) recordCorrectiveMemory(ctx context.Context, c Correction) error {
	scope := model.ScopePattern
	var entityKey *string
	if c.Vendor != nil && *c.Vendor != "" {
		scope = model.ScopeEntity
		entityKey = c.Vendor
	}
	description := fmt.Sprintf("%q was categorized as %q; the correct answer is %q",
		c.OriginalValue, *c.Category, *c.CorrectedValue)

	_, _, err := s.memories.Upsert(ctx, memory.UpsertInput{
		OrgID:          c.OrgID,
		AgentID:        c.AgentID,
		Scope:          scope,
		EntityKey:      entityKey,
		Category:       c.Category,
		Content:        model.MemoryContent{Description: description},
		FromCorrection: true,
	})
	if err != nil {
		return fmt.Errorf("feedback: corrective memory: %w", err)
	}
	return nil
}

// ItemOutcome pairs one agent recommendation with the human's final
// resolution of the same item.
type ItemOutcome struct {
	ItemID          string
	Recommended     string
	Resolved        string
	BasedOnMemoryID *uuid.UUID
	Vendor          *string
	Category        *string
}

// Matched reports whether the human kept the agent's recommendation.
func (o ItemOutcome) Matched() bool {
	return strings.EqualFold(strings.TrimSpace(o.Recommended), strings.TrimSpace(o.Resolved))
}

// RunFeedbackCounts aggregates one ProcessRunFeedback pass.
type RunFeedbackCounts struct {
	Approved    int
	Corrected   int
	NewMemories int
}

// ProcessRunFeedback compares every recommendation an execution made
// against the human's final resolutions once the external run completed.
// Matches reinforce, mismatches weaken and seed corrective memories; every
// pair gets a feedback row.
func (s *Service) ProcessRunFeedback(ctx context.Context, orgID, agentID, executionID uuid.UUID, outcomes []ItemOutcome) (RunFeedbackCounts, error) {
	var counts RunFeedbackCounts
	for _, item := range outcomes {
		matched := item.Matched()

		if item.BasedOnMemoryID != nil {
			var err error
			if matched {
				_, err = s.memories.Reinforce(ctx, orgID, *item.BasedOnMemoryID)
			} else {
				_, err = s.memories.Weaken(ctx, orgID, *item.BasedOnMemoryID)
			}
			if err != nil {
				s.logger.Warn("memory adjustment failed",
					"execution_id", executionID, "memory_id", *item.BasedOnMemoryID, "error", err)
			}
		}

		fbType := model.FeedbackApproval
		var correctedValue *string
		if matched {
			counts.Approved++
		} else {
			counts.Corrected++
			fbType = model.FeedbackCorrection
			resolved := item.Resolved
			correctedValue = &resolved

			if created, err := s.mismatchMemory(ctx, orgID, agentID, item); err != nil {
				s.logger.Warn("corrective memory failed",
					"execution_id", executionID, "item", item.ItemID, "error", err)
			} else if created {
				counts.NewMemories++
			}
		}

		if _, err := s.store.CreateFeedback(ctx, model.AgentFeedback{
			OrgID:          orgID,
			AgentID:        agentID,
			ExecutionID:    executionID,
			Type:           fbType,
			OriginalValue:  item.Recommended,
			CorrectedValue: correctedValue,
			CorrectedBy:    "run-feedback",
		}); err != nil {
			return counts, fmt.Errorf("feedback: record run feedback: %w", err)
		}
	}
	s.logger.Info("run feedback processed",
		"execution_id", executionID,
		"approved", counts.Approved, "corrected", counts.Corrected, "new_memories", counts.NewMemories)
	return counts, nil
}

func (s *Service) mismatchMemory(ctx context.Context, orgID, agentID uuid.UUID, item ItemOutcome) (bool, error) {
	scope := model.ScopePattern
	var entityKey *string
	if item.Vendor != nil && *item.Vendor != "" {
		scope = model.ScopeEntity
		entityKey = item.Vendor
	}
	description := fmt.Sprintf("recommended %q but the human resolved it as %q", item.Recommended, item.Resolved)
	if item.ItemID != "" {
		description += " (item " + item.ItemID + ")"
	}
	_, created, err := s.memories.Upsert(ctx, memory.UpsertInput{
		OrgID:          orgID,
		AgentID:        agentID,
		Scope:          scope,
		EntityKey:      entityKey,
		Category:       item.Category,
		Content:        model.MemoryContent{Description: description},
		FromCorrection: true,
	})
	return created, err
}
