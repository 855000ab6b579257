package feedback

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
	"github.com/ledgerline/satori/internal/storage"
)

type fakeStore struct {
	feedback    []model.AgentFeedback
	corrections map[uuid.UUID]int
	executions  map[uuid.UUID]model.AgentExecution
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		corrections: make(map[uuid.UUID]int),
		executions:  make(map[uuid.UUID]model.AgentExecution),
	}
}

func (f *fakeStore) CreateFeedback(_ context.Context, fb model.AgentFeedback) (model.AgentFeedback, error) {
	fb.ID = uuid.New()
	f.feedback = append(f.feedback, fb)
	return fb, nil
}

func (f *fakeStore) IncrementCorrectionCount(_ context.Context, _, id uuid.UUID) error {
	f.corrections[id]++
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, _, id uuid.UUID) (model.AgentExecution, error) {
	e, ok := f.executions[id]
	if !ok {
		return model.AgentExecution{}, storage.ErrNotFound
	}
	return e, nil
}

type fakeMemories struct {
	reinforced []uuid.UUID
	weakened   []uuid.UUID
	upserts    []memory.UpsertInput
	// existingKeys marks composite keys treated as already present.
	existingKeys map[string]bool
}

func upsertKey(in memory.UpsertInput) string {
	key := string(in.Scope)
	if in.EntityKey != nil {
		key += "/" + *in.EntityKey
	}
	if in.Category != nil {
		key += "/" + *in.Category
	}
	return key
}

func (f *fakeMemories) Upsert(_ context.Context, in memory.UpsertInput) (model.AgentMemory, bool, error) {
	f.upserts = append(f.upserts, in)
	created := !f.existingKeys[upsertKey(in)]
	return model.AgentMemory{ID: uuid.New()}, created, nil
}

func (f *fakeMemories) Reinforce(_ context.Context, _, id uuid.UUID) (model.AgentMemory, error) {
	f.reinforced = append(f.reinforced, id)
	return model.AgentMemory{ID: id}, nil
}

func (f *fakeMemories) Weaken(_ context.Context, _, id uuid.UUID) (model.AgentMemory, error) {
	f.weakened = append(f.weakened, id)
	return model.AgentMemory{ID: id}, nil
}

func newService(store *fakeStore, mems *fakeMemories) *Service {
	return New(store, mems, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func ptr(s string) *string { return &s }

func TestHandleCorrectionApproval(t *testing.T) {
	store := newFakeStore()
	mems := &fakeMemories{}
	svc := newService(store, mems)
	memID := uuid.New()
	execID := uuid.New()

	err := svc.HandleCorrection(context.Background(), Correction{
		OrgID: uuid.New(), AgentID: uuid.New(), ExecutionID: execID,
		OriginalValue:   "vendor: ACME Corp",
		BasedOnMemoryID: &memID,
		CorrectedBy:     "reviewer@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{memID}, mems.reinforced)
	assert.Empty(t, mems.weakened)
	assert.Empty(t, mems.upserts)
	// Every judgment bumps the execution's counter, approvals included.
	assert.Equal(t, 1, store.corrections[execID])
	require.Len(t, store.feedback, 1)
	assert.Equal(t, model.FeedbackApproval, store.feedback[0].Type)
}

func TestHandleCorrectionRejection(t *testing.T) {
	store := newFakeStore()
	mems := &fakeMemories{}
	svc := newService(store, mems)
	memID := uuid.New()
	execID := uuid.New()

	err := svc.HandleCorrection(context.Background(), Correction{
		OrgID: uuid.New(), AgentID: uuid.New(), ExecutionID: execID,
		OriginalValue:   "match inv-42",
		Rejected:        true,
		BasedOnMemoryID: &memID,
		CorrectedBy:     "reviewer@example.com",
	})
	require.NoError(t, err)

	// A rejection contradicts the cited memory but carries no replacement,
	// so no corrective memory is written.
	assert.Equal(t, []uuid.UUID{memID}, mems.weakened)
	assert.Empty(t, mems.reinforced)
	assert.Empty(t, mems.upserts)
	assert.Equal(t, 1, store.corrections[execID])
	require.Len(t, store.feedback, 1)
	assert.Equal(t, model.FeedbackRejection, store.feedback[0].Type)
	assert.Nil(t, store.feedback[0].CorrectedValue)
}

func TestHandleCorrectionWithReclassification(t *testing.T) {
	store := newFakeStore()
	mems := &fakeMemories{}
	svc := newService(store, mems)
	memID := uuid.New()
	execID := uuid.New()

	err := svc.HandleCorrection(context.Background(), Correction{
		OrgID: uuid.New(), AgentID: uuid.New(), ExecutionID: execID,
		OriginalValue:   "category: office supplies",
		CorrectedValue:  ptr("category: software"),
		BasedOnMemoryID: &memID,
		Vendor:          ptr("ACME Corp"),
		Category:        ptr("software"),
		CorrectedBy:     "reviewer@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{memID}, mems.weakened)
	assert.Empty(t, mems.reinforced)
	assert.Equal(t, 1, store.corrections[execID])

	require.Len(t, mems.upserts, 1)
	up := mems.upserts[0]
	assert.Equal(t, model.ScopeEntity, up.Scope)
	assert.Equal(t, "ACME Corp", *up.EntityKey)
	assert.True(t, up.FromCorrection)
	assert.Contains(t, up.Content.Description, `"category: software"`)

	require.Len(t, store.feedback, 1)
	assert.Equal(t, model.FeedbackCorrection, store.feedback[0].Type)
}

func TestHandleCorrectionWithoutVendorIsPatternScoped(t *testing.T) {
	store := newFakeStore()
	mems := &fakeMemories{}
	svc := newService(store, mems)

	err := svc.HandleCorrection(context.Background(), Correction{
		OrgID: uuid.New(), AgentID: uuid.New(), ExecutionID: uuid.New(),
		OriginalValue:  "matched to inv-7",
		CorrectedValue: ptr("matched to inv-9"),
		Category:       ptr("matching"),
	})
	require.NoError(t, err)

	require.Len(t, mems.upserts, 1)
	assert.Equal(t, model.ScopePattern, mems.upserts[0].Scope)
	assert.Nil(t, mems.upserts[0].EntityKey)
}

func TestProcessRunFeedback(t *testing.T) {
	store := newFakeStore()
	mems := &fakeMemories{}
	svc := newService(store, mems)
	org, agent, exec := uuid.New(), uuid.New(), uuid.New()
	citedA, citedB := uuid.New(), uuid.New()

	counts, err := svc.ProcessRunFeedback(context.Background(), org, agent, exec, []ItemOutcome{
		{ItemID: "txn-1", Recommended: "match inv-100", Resolved: "match inv-100", BasedOnMemoryID: &citedA},
		{ItemID: "txn-2", Recommended: "match inv-200", Resolved: "Match inv-200 "}, // case/space-insensitive
		{ItemID: "txn-3", Recommended: "match inv-300", Resolved: "exception", BasedOnMemoryID: &citedB, Vendor: ptr("Globex")},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, counts.Approved)
	assert.Equal(t, 1, counts.Corrected)
	assert.Equal(t, 1, counts.NewMemories)

	assert.Equal(t, []uuid.UUID{citedA}, mems.reinforced)
	assert.Equal(t, []uuid.UUID{citedB}, mems.weakened)

	require.Len(t, store.feedback, 3)
	assert.Equal(t, model.FeedbackApproval, store.feedback[0].Type)
	assert.Equal(t, model.FeedbackCorrection, store.feedback[2].Type)
	require.NotNil(t, store.feedback[2].CorrectedValue)
	assert.Equal(t, "exception", *store.feedback[2].CorrectedValue)

	require.Len(t, mems.upserts, 1)
	assert.Equal(t, model.ScopeEntity, mems.upserts[0].Scope)
	assert.True(t, mems.upserts[0].FromCorrection)
}

func TestDistillLessons(t *testing.T) {
	store := newFakeStore()
	mems := &fakeMemories{existingKeys: map[string]bool{"entity/Initech": true}}
	svc := newService(store, mems)
	org, execID := uuid.New(), uuid.New()

	store.executions[execID] = model.AgentExecution{
		ID: execID, OrgID: org, AgentID: uuid.New(),
		Steps: []model.ExecutionStep{
			{
				StepNumber: 1,
				ToolOutput: map[string]any{
					"vendors": []any{"ACME Corp", "Initech", "acme corp"}, // dupe differs only by case
				},
			},
			{
				StepNumber: 2,
				ToolOutput: map[string]any{
					"recommendations": []any{
						map[string]any{"description": "wire transfers post a day late", "category": "timing", "confidence": 0.7},
						map[string]any{"description": "weak hunch", "confidence": 0.4},
						map[string]any{"description": "already known", "confidence": 0.9, "based_on_memory_id": uuid.New().String()},
					},
				},
			},
			{StepNumber: 3}, // no tool output
		},
	}

	counts, err := svc.DistillLessons(context.Background(), org, execID)
	require.NoError(t, err)

	// Initech existed already; ACME counted once despite the case dupe.
	assert.Equal(t, 1, counts.EntityMemories)
	assert.Equal(t, 1, counts.PatternMemories)
	assert.Equal(t, 1, counts.MemoriesUpdated)
	assert.Equal(t, 2, counts.Created())

	var patterns []memory.UpsertInput
	for _, up := range mems.upserts {
		if up.Scope == model.ScopePattern {
			patterns = append(patterns, up)
		}
	}
	require.Len(t, patterns, 1)
	assert.Equal(t, "wire transfers post a day late", patterns[0].Content.Description)
	assert.Equal(t, "timing", *patterns[0].Category)
}

func TestDistillLessonsUnknownExecution(t *testing.T) {
	svc := newService(newFakeStore(), &fakeMemories{})

	_, err := svc.DistillLessons(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
