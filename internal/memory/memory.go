// Package memory provides ranked retrieval and Bayesian-count writes over
// agent memories.
//
// Confidence is correct/total over observed trials; retrieval weights
// confidence by recency decay and entity affinity, so a stale but
// once-confident memory gradually stops crowding out fresher knowledge.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/satori/internal/model"
	"github.com/ledgerline/satori/internal/storage"
	"github.com/ledgerline/satori/internal/telemetry"
)

const (
	// recencyDecay is the per-month multiplier applied to confidence.
	recencyDecay = 0.9
	// entityBoostFactor doubles the score of memories tied to an entity
	// present in the current dataset.
	entityBoostFactor = 2.0
	// DefaultRecommendThreshold gates autonomous recommendations.
	DefaultRecommendThreshold = 0.85
)

// Service is the memory store facade used by the reasoning loop and the
// feedback loop.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	recommendThreshold float64

	retrieved metric.Int64Counter
	written   metric.Int64Counter
}

// New creates a memory Service. recommendThreshold <= 0 selects the default.
func New(db *storage.DB, recommendThreshold float64, logger *slog.Logger) *Service {
	if recommendThreshold <= 0 {
		recommendThreshold = DefaultRecommendThreshold
	}
	meter := telemetry.Meter("satori/memory")
	retrieved, _ := meter.Int64Counter("satori.memory.retrieved",
		metric.WithDescription("Memories selected into prompts"))
	written, _ := meter.Int64Counter("satori.memory.written",
		metric.WithDescription("Memory create/update operations"))
	return &Service{
		db:                 db,
		logger:             logger,
		recommendThreshold: recommendThreshold,
		retrieved:          retrieved,
		written:            written,
	}
}

// Query describes one retrieval request.
type Query struct {
	OrgID           uuid.UUID
	AgentID         uuid.UUID
	EntityKeys      []string
	MaxMemories     int
	ConfidenceFloor float64
}

// Retrieve returns the top-ranked memories for a query, with RelevanceScore
// populated. Selected memories get their usage counters bumped; a failure of
// that side effect is logged and does not fail the retrieval.
func (s *Service) Retrieve(ctx context.Context, q Query) ([]model.AgentMemory, error) {
	if q.MaxMemories <= 0 {
		return nil, nil
	}
	candidates, err := s.db.ListActiveMemories(ctx, q.OrgID, q.AgentID, q.ConfidenceFloor)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range candidates {
		candidates[i].RelevanceScore = Score(candidates[i], q.EntityKeys, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RelevanceScore > candidates[j].RelevanceScore
	})
	if len(candidates) > q.MaxMemories {
		candidates = candidates[:q.MaxMemories]
	}

	if len(candidates) > 0 {
		ids := make([]uuid.UUID, len(candidates))
		for i, m := range candidates {
			ids[i] = m.ID
		}
		if err := s.db.TouchMemories(ctx, q.OrgID, ids); err != nil {
			s.logger.Warn("memory usage bump failed", "error", err, "count", len(ids))
		}
		s.retrieved.Add(ctx, int64(len(candidates)))
	}
	return candidates, nil
}

// Score computes the retrieval relevance of one memory:
// confidence x recencyWeight x entityBoost.
func Score(m model.AgentMemory, entityKeys []string, now time.Time) float64 {
	return m.Confidence() * recencyWeight(m.LastUsedAt, now) * entityBoost(m.EntityKey, entityKeys)
}

// recencyWeight decays confidence by 0.9 per whole month since last use.
// Never-used memories and memories used within the current month do not
// decay.
func recencyWeight(lastUsedAt *time.Time, now time.Time) float64 {
	if lastUsedAt == nil {
		return 1.0
	}
	months := int(now.Sub(*lastUsedAt).Hours() / (24 * 30))
	if months <= 0 {
		return 1.0
	}
	return math.Pow(recencyDecay, float64(months))
}

// entityBoost returns 2.0 when the memory's entity key substring-matches
// (case-insensitively, in either direction) any supplied key.
func entityBoost(entityKey *string, entityKeys []string) float64 {
	if entityKey == nil || *entityKey == "" {
		return 1.0
	}
	memKey := strings.ToLower(*entityKey)
	for _, k := range entityKeys {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if strings.Contains(memKey, key) || strings.Contains(key, memKey) {
			return entityBoostFactor
		}
	}
	return 1.0
}

// UpsertInput describes one memory write.
type UpsertInput struct {
	OrgID             uuid.UUID
	AgentID           uuid.UUID
	Scope             model.MemoryScope
	EntityKey         *string
	Category          *string
	Content           model.MemoryContent
	TriggerConditions *model.TriggerConditions
	// FromCorrection marks the write as driven by a human correction: the
	// trial still counts toward total but not toward correct.
	FromCorrection bool
}

// Upsert creates or updates the live memory under an input's composite key.
// An existing match gets its content merged and a trial recorded (a success
// unless the write is a correction); a miss creates a fresh memory at the
// Beta(1,1) prior. Returns the stored memory and whether it was created.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (model.AgentMemory, bool, error) {
	existing, err := s.db.FindMemoryByKey(ctx, in.OrgID, in.AgentID, in.Scope, in.EntityKey, in.Category)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return model.AgentMemory{}, false, err
		}
		created, err := s.db.CreateMemory(ctx, model.AgentMemory{
			OrgID:             in.OrgID,
			AgentID:           in.AgentID,
			Scope:             in.Scope,
			EntityKey:         in.EntityKey,
			Category:          in.Category,
			Content:           in.Content,
			TriggerConditions: in.TriggerConditions,
			FromCorrection:    in.FromCorrection,
		})
		if err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				// Lost a create race to a concurrent upsert with the same
				// live key; the row exists now, so apply as an update.
				existing, err = s.db.FindMemoryByKey(ctx, in.OrgID, in.AgentID, in.Scope, in.EntityKey, in.Category)
				if err != nil {
					return model.AgentMemory{}, false, err
				}
				return s.applyUpdate(ctx, in, existing)
			}
			return model.AgentMemory{}, false, err
		}
		s.written.Add(ctx, 1)
		return created, true, nil
	}

	return s.applyUpdate(ctx, in, existing)
}

// applyUpdate merges new content into an existing memory and records the
// upsert as a Bayesian trial against it.
func (s *Service) applyUpdate(ctx context.Context, in UpsertInput, existing model.AgentMemory) (model.AgentMemory, bool, error) {
	merged := mergeContent(existing.Content, in.Content)
	triggers := in.TriggerConditions
	if triggers == nil {
		triggers = existing.TriggerConditions
	}
	if _, err := s.db.UpdateMemoryContent(ctx, in.OrgID, existing.ID, merged, triggers, in.FromCorrection); err != nil {
		return model.AgentMemory{}, false, err
	}

	var updated model.AgentMemory
	var err error
	if in.FromCorrection {
		updated, err = s.db.WeakenMemory(ctx, in.OrgID, existing.ID)
	} else {
		updated, err = s.db.ReinforceMemory(ctx, in.OrgID, existing.ID)
	}
	if err != nil {
		return model.AgentMemory{}, false, err
	}
	if err := s.db.TouchMemories(ctx, in.OrgID, []uuid.UUID{existing.ID}); err != nil {
		s.logger.Warn("memory usage bump failed", "error", err, "memory_id", existing.ID)
	}
	s.written.Add(ctx, 1)
	return updated, false, nil
}

// mergeContent overlays new values on old: a non-empty new field wins,
// evidence appends with de-duplication.
func mergeContent(old, new model.MemoryContent) model.MemoryContent {
	merged := old
	if new.Description != "" {
		merged.Description = new.Description
	}
	if new.LastConfirmed != nil {
		merged.LastConfirmed = new.LastConfirmed
	}
	seen := make(map[string]bool, len(old.Evidence))
	for _, ev := range old.Evidence {
		seen[ev] = true
	}
	for _, ev := range new.Evidence {
		if !seen[ev] {
			merged.Evidence = append(merged.Evidence, ev)
			seen[ev] = true
		}
	}
	return merged
}

// Reinforce records a confirming trial against a memory.
func (s *Service) Reinforce(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error) {
	return s.db.ReinforceMemory(ctx, orgID, id)
}

// Weaken records a contradicting trial against a memory.
func (s *Service) Weaken(ctx context.Context, orgID, id uuid.UUID) (model.AgentMemory, error) {
	return s.db.WeakenMemory(ctx, orgID, id)
}

// Archive soft-deletes a memory, excluding it from retrieval and upsert
// matching.
func (s *Service) Archive(ctx context.Context, orgID, id uuid.UUID) error {
	return s.db.ArchiveMemory(ctx, orgID, id)
}

// MeetsRecommendationThreshold reports whether a memory is confident enough
// to back an autonomous recommendation rather than routing to human review.
func (s *Service) MeetsRecommendationThreshold(m model.AgentMemory) bool {
	return m.Confidence() >= s.recommendThreshold
}
