package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/satori/internal/decision"
	"github.com/ledgerline/satori/internal/llm"
	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
	"github.com/ledgerline/satori/internal/tool"
)

// fakeLLM replays a scripted sequence of completions and records the
// prompts it was sent.
type fakeLLM struct {
	responses []string
	errs      []error
	calls     [][]llm.Message
}

func (f *fakeLLM) Complete(_ context.Context, messages []llm.Message, _ llm.CallOptions) (llm.Completion, error) {
	i := len(f.calls)
	f.calls = append(f.calls, messages)
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Completion{}, f.errs[i]
	}
	if i >= len(f.responses) {
		return llm.Completion{}, errors.New("fakeLLM: script exhausted")
	}
	return llm.Completion{
		Content:    f.responses[i],
		Model:      "test-model",
		TokensUsed: 100,
		Cost:       0.001,
		DurationMs: 5,
	}, nil
}

type fakeMemories struct {
	memories []model.AgentMemory
	queries  []memory.Query
}

func (f *fakeMemories) Retrieve(_ context.Context, q memory.Query) ([]model.AgentMemory, error) {
	f.queries = append(f.queries, q)
	return f.memories, nil
}

// fakeLifecycle records transitions and drives cancellation.
type fakeLifecycle struct {
	steps       []model.ExecutionStep
	status      model.ExecutionStatus
	failReason  string
	humanMsg    *string
	metrics     model.ExecutionMetrics
	cancelAfter int // iteration count after which IsCancelled reports true; 0 = never
	polls       int
}

func (f *fakeLifecycle) AppendStep(_ context.Context, _, _ uuid.UUID, step model.ExecutionStep, _ bool) error {
	f.steps = append(f.steps, step)
	return nil
}

func (f *fakeLifecycle) Complete(_ context.Context, _, _ uuid.UUID, _ map[string]any, m model.ExecutionMetrics) error {
	f.status = model.ExecutionStatusCompleted
	f.metrics = m
	return nil
}

func (f *fakeLifecycle) MarkNeedsReview(_ context.Context, _, _ uuid.UUID, _ map[string]any, msg *string, m model.ExecutionMetrics) error {
	f.status = model.ExecutionStatusNeedsReview
	f.humanMsg = msg
	f.metrics = m
	return nil
}

func (f *fakeLifecycle) Fail(_ context.Context, _, _ uuid.UUID, reason string, m model.ExecutionMetrics) error {
	f.status = model.ExecutionStatusFailed
	f.failReason = reason
	f.metrics = m
	return nil
}

func (f *fakeLifecycle) MarkCancelled(_ context.Context, _, _ uuid.UUID, m model.ExecutionMetrics) error {
	f.status = model.ExecutionStatusCancelled
	f.metrics = m
	return nil
}

func (f *fakeLifecycle) IsCancelled(_ context.Context, _, _ uuid.UUID) (bool, error) {
	f.polls++
	return f.cancelAfter > 0 && f.polls > f.cancelAfter, nil
}

func decisionJSON(action string, toolName string, done, needsHuman bool) string {
	d := map[string]any{
		"reasoning":   "because " + action,
		"action":      action,
		"tool_name":   nil,
		"tool_input":  nil,
		"done":        done,
		"needs_human": needsHuman,
	}
	if toolName != "" {
		d["tool_name"] = toolName
		d["tool_input"] = map[string]any{}
	}
	raw, _ := json.Marshal(d)
	return string(raw)
}

func testRegistry(t *testing.T, handler tool.Handler) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if handler != nil {
		reg.Register(tool.Definition{
			Name:        "run_matching",
			Description: "Run a matching pass",
			InputSchema: tool.ObjectSchema(nil),
			Handler:     handler,
		})
	}
	return reg
}

func newTestEngine(gw LLM, reg *tool.Registry, mem Memories, lc Lifecycle) *Engine {
	return New(gw, reg, decision.NewValidator(reg), mem, lc, nil, Config{
		MaxIterations:      10,
		PromptTokenCeiling: 80_000,
		MaxResponseTokens:  1024,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testInput() Input {
	return Input{
		Execution: model.AgentExecution{
			ID:      uuid.New(),
			OrgID:   uuid.New(),
			AgentID: uuid.New(),
			Status:  model.ExecutionStatusRunning,
			Goal:    "reconcile March bank statement",
		},
		Rows: []DataRow{
			{Serialized: json.RawMessage(`{"id":1,"vendor":"ACME Corp","amount":500}`)},
			{Serialized: json.RawMessage(`{"id":2,"vendor":"Globex","amount":120}`), Matched: true},
		},
		EntityKeys: []string{"ACME Corp", "Globex"},
	}
}

func TestRunCompletesOnDone(t *testing.T) {
	gw := &fakeLLM{responses: []string{
		decisionJSON("run matching", "run_matching", false, false),
		decisionJSON("all rows resolved", "", true, false),
	}}
	var toolCalls int
	reg := testRegistry(t, func(_ context.Context, _ json.RawMessage, _ tool.RunContext) (map[string]any, error) {
		toolCalls++
		return map[string]any{"matched": 1}, nil
	})
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, reg, &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 1, toolCalls)
	assert.Equal(t, model.ExecutionStatusCompleted, lc.status)

	require.Len(t, lc.steps, 2)
	assert.Equal(t, 1, lc.steps[0].StepNumber)
	assert.Equal(t, model.StepStatusCompleted, lc.steps[0].Status)
	require.NotNil(t, lc.steps[0].ToolName)
	assert.Equal(t, "run_matching", *lc.steps[0].ToolName)
	assert.Equal(t, 2, res.Metrics.LLMCallCount)
	assert.Equal(t, 200, res.Metrics.TokensUsed)
}

func TestRunMetricsCarryMatchAndMemoryCounts(t *testing.T) {
	gw := &fakeLLM{responses: []string{
		decisionJSON("run matching", "run_matching", false, false),
		decisionJSON("all rows resolved", "", true, false),
	}}
	reg := testRegistry(t, func(_ context.Context, _ json.RawMessage, _ tool.RunContext) (map[string]any, error) {
		return map[string]any{
			"matched_count":   3,
			"unmatched_count": 1,
			"exception_count": 2,
		}, nil
	})
	lc := &fakeLifecycle{}
	var distilled int
	distiller := func(_ context.Context, _, _ uuid.UUID) (int, int, error) {
		distilled++
		return 4, 1, nil
	}
	eng := New(gw, reg, decision.NewValidator(reg), &fakeMemories{}, lc, distiller, Config{
		MaxIterations:      10,
		PromptTokenCeiling: 80_000,
		MaxResponseTokens:  1024,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 1, distilled)

	// The snapshot handed to the terminal transition already carries the
	// matching telemetry and the distilled memory counts.
	m := lc.metrics
	require.NotNil(t, m.BaselineMatchRate)
	assert.InDelta(t, 0.5, *m.BaselineMatchRate, 1e-9)
	require.NotNil(t, m.AgentMatchRate)
	assert.InDelta(t, 0.75, *m.AgentMatchRate, 1e-9)
	assert.Equal(t, 2, m.ExceptionCount)
	assert.Equal(t, 4, m.MemoriesCreated)
	assert.Equal(t, 1, m.MemoriesUpdated)
}

func TestRunNeedsHuman(t *testing.T) {
	raw := `{"reasoning":"ambiguous","action":"escalate","tool_name":null,"tool_input":null,` +
		`"done":false,"needs_human":true,"human_message":"two candidate matches for invoice 7"}`
	gw := &fakeLLM{responses: []string{raw}}
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, testRegistry(t, nil), &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusNeedsReview, res.Status)
	require.NotNil(t, res.HumanMessage)
	assert.Equal(t, "two candidate matches for invoice 7", *res.HumanMessage)
}

func TestRunIterationCapRoutesToReview(t *testing.T) {
	responses := make([]string, 10)
	for i := range responses {
		responses[i] = decisionJSON(fmt.Sprintf("inspect row %d", i), "", false, false)
	}
	gw := &fakeLLM{responses: responses}
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, testRegistry(t, nil), &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusNeedsReview, res.Status)
	assert.Equal(t, 10, res.Steps)
	require.NotNil(t, res.HumanMessage)
	assert.Contains(t, *res.HumanMessage, "iteration cap")
	assert.Len(t, gw.calls, 10)
}

func TestRunCorrectionRetry(t *testing.T) {
	gw := &fakeLLM{responses: []string{
		`this is not json at all`,
		decisionJSON("wrap up", "", true, false),
	}}
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, testRegistry(t, nil), &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, res.Status)

	// The retry conversation replays the invalid response and a correction.
	require.Len(t, gw.calls, 2)
	retryMsgs := gw.calls[1]
	require.Len(t, retryMsgs, 4)
	assert.Equal(t, llm.RoleAssistant, retryMsgs[2].Role)
	assert.Equal(t, "this is not json at all", retryMsgs[2].Content)
	assert.Contains(t, retryMsgs[3].Content, "not a valid decision")
	// Both calls count against the single step.
	assert.Equal(t, 200, lc.steps[0].TokensUsed)
	assert.Equal(t, 2, lc.steps[0].LLMCalls)
	assert.Equal(t, 2, res.Metrics.LLMCallCount)
}

func TestRunCorrectionRetryFailsTerminally(t *testing.T) {
	gw := &fakeLLM{responses: []string{`garbage one`, `garbage two`}}
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, testRegistry(t, nil), &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, res.Status)
	assert.Contains(t, lc.failReason, "invalid decision after correction")
	// No third attempt.
	assert.Len(t, gw.calls, 2)
}

func TestRunToolFailureContinuesLoop(t *testing.T) {
	gw := &fakeLLM{responses: []string{
		decisionJSON("run matching", "run_matching", false, false),
		decisionJSON("matching failed, stopping", "", true, false),
	}}
	reg := testRegistry(t, func(_ context.Context, _ json.RawMessage, _ tool.RunContext) (map[string]any, error) {
		return nil, errors.New("matching service unavailable")
	})
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, reg, &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, res.Status)

	require.Len(t, lc.steps, 2)
	assert.Equal(t, model.StepStatusFailed, lc.steps[0].Status)
	assert.Contains(t, lc.steps[0].ToolOutput["error"], "matching service unavailable")

	// The failure is visible to the model in the next iteration's history.
	secondCall := gw.calls[1]
	assert.Contains(t, secondCall[0].Content, "Step 1 [failed]")
}

func TestRunCancellationAtIterationBoundary(t *testing.T) {
	gw := &fakeLLM{responses: []string{
		decisionJSON("inspect", "", false, false),
		decisionJSON("inspect more", "", false, false),
	}}
	lc := &fakeLifecycle{cancelAfter: 2}
	eng := newTestEngine(gw, testRegistry(t, nil), &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, res.Status)
	// Two full iterations ran; the third boundary observed the flag and
	// made no further LLM calls.
	assert.Len(t, gw.calls, 2)
	assert.Equal(t, model.ExecutionStatusCancelled, lc.status)
}

func TestRunReasoningFailureIsTerminal(t *testing.T) {
	gw := &fakeLLM{errs: []error{errors.New("provider down")}}
	lc := &fakeLifecycle{}
	eng := newTestEngine(gw, testRegistry(t, nil), &fakeMemories{}, lc)

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, res.Status)
	assert.Contains(t, lc.failReason, "provider down")
}

func TestRunBudgetsShrinkAcrossIterations(t *testing.T) {
	responses := make([]string, 10)
	for i := range responses {
		responses[i] = decisionJSON("keep going", "", false, false)
	}
	gw := &fakeLLM{responses: responses}
	mems := &fakeMemories{}
	eng := newTestEngine(gw, testRegistry(t, nil), mems, &fakeLifecycle{})

	_, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, mems.queries, 10)
	assert.Equal(t, 20, mems.queries[0].MaxMemories)
	assert.Equal(t, 15, mems.queries[3].MaxMemories)
	assert.Equal(t, 10, mems.queries[9].MaxMemories)

	// Early iterations show all rows, later ones only unmatched.
	assert.Contains(t, userPromptOf(t, gw.calls[0]), `"vendor":"Globex"`)
	assert.NotContains(t, userPromptOf(t, gw.calls[4]), `"vendor":"Globex"`)
	assert.Contains(t, userPromptOf(t, gw.calls[4]), `"vendor":"ACME Corp"`)
}

func TestRunInjectsMemoriesIntoPrompt(t *testing.T) {
	key := "ACME Corp"
	mems := &fakeMemories{memories: []model.AgentMemory{{
		ID: uuid.New(), Scope: model.ScopeEntity, EntityKey: &key,
		CorrectCount: 9, TotalCount: 10,
		Content: model.MemoryContent{Description: "settles invoices in two partial payments"},
	}}}
	gw := &fakeLLM{responses: []string{decisionJSON("finish", "", true, false)}}
	eng := newTestEngine(gw, testRegistry(t, nil), mems, &fakeLifecycle{})

	res, err := eng.Run(context.Background(), testInput())
	require.NoError(t, err)

	system := gw.calls[0][0].Content
	assert.Contains(t, system, "What you know about specific entities")
	assert.Contains(t, system, "settles invoices in two partial payments")
	assert.Equal(t, 1, res.Metrics.MemoriesUsed)
}

func userPromptOf(t *testing.T, messages []llm.Message) string {
	t.Helper()
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			return m.Content
		}
	}
	t.Fatal("no user message")
	return ""
}

func TestRenderHistory(t *testing.T) {
	tn := "run_matching"
	steps := []model.ExecutionStep{
		{StepNumber: 1, Action: "match", Reasoning: "start", Status: model.StepStatusCompleted,
			ToolName: &tn, ToolOutput: map[string]any{"matched": 3}},
		{StepNumber: 2, Action: "inspect", Reasoning: strings.Repeat("x", 300), Status: model.StepStatusFailed},
		{StepNumber: 3, Action: "retry", Reasoning: "again", Status: model.StepStatusCompleted},
	}

	out := renderHistory(steps, 2)
	assert.NotContains(t, out, "Step 1")
	assert.Contains(t, out, "Step 2 [failed]: inspect")
	assert.Contains(t, out, "Step 3 [completed]: retry")
	// Long previews are truncated.
	assert.Contains(t, out, "...")

	assert.Empty(t, renderHistory(steps, 0))
	assert.Contains(t, renderHistory(steps[:1], 5), `{"matched":3}`)
}
