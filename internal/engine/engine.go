// Package engine runs the reasoning loop: per iteration it budgets the
// context, retrieves memories, asks the reasoning model for a structured
// decision, executes the requested tool, and records the step. The loop is
// strictly sequential within one execution; concurrency exists only across
// executions.
//
// No failure escapes Run as a panic or an unclassified error: every outcome
// lands the execution in exactly one terminal status.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ledgerline/satori/internal/budget"
	"github.com/ledgerline/satori/internal/decision"
	"github.com/ledgerline/satori/internal/llm"
	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
	"github.com/ledgerline/satori/internal/telemetry"
	"github.com/ledgerline/satori/internal/tool"
)

// DefaultMaxIterations is the hard cap on loop iterations.
const DefaultMaxIterations = 10

// capMessage is attached when the loop exhausts its iteration cap without a
// terminal decision. Exhaustion routes to human review rather than silently
// succeeding.
const capMessage = "iteration cap reached without a final decision; partial progress needs review"

// LLM is the gateway surface the loop calls. *llm.Gateway satisfies it.
type LLM interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Completion, error)
}

// Memories is the retrieval surface. *memory.Service satisfies it.
type Memories interface {
	Retrieve(ctx context.Context, q memory.Query) ([]model.AgentMemory, error)
}

// Distiller mines a finished run for new and reinforced memories. It runs
// after the final step is appended and before the terminal transition, so
// its counts land in the write-once metrics snapshot.
type Distiller func(ctx context.Context, orgID, executionID uuid.UUID) (created, updated int, err error)

// Lifecycle is the execution-state surface. *lifecycle.Manager satisfies it.
type Lifecycle interface {
	AppendStep(ctx context.Context, orgID, id uuid.UUID, step model.ExecutionStep, fallbackUsed bool) error
	Complete(ctx context.Context, orgID, id uuid.UUID, outcome map[string]any, metrics model.ExecutionMetrics) error
	MarkNeedsReview(ctx context.Context, orgID, id uuid.UUID, outcome map[string]any, humanMessage *string, metrics model.ExecutionMetrics) error
	Fail(ctx context.Context, orgID, id uuid.UUID, reason string, metrics model.ExecutionMetrics) error
	MarkCancelled(ctx context.Context, orgID, id uuid.UUID, metrics model.ExecutionMetrics) error
	IsCancelled(ctx context.Context, orgID, id uuid.UUID) (bool, error)
}

// Config bounds a loop run.
type Config struct {
	MaxIterations      int
	PromptTokenCeiling int
	ConfidenceFloor    float64
	MaxResponseTokens  int
	Temperature        float64
}

// Engine orchestrates reasoning-loop executions.
type Engine struct {
	gateway   LLM
	registry  *tool.Registry
	validator *decision.Validator
	memories  Memories
	lifecycle Lifecycle
	distiller Distiller // optional; nil skips distillation
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine.
func New(gateway LLM, registry *tool.Registry, validator *decision.Validator, memories Memories, lc Lifecycle, distiller Distiller, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Engine{
		gateway:   gateway,
		registry:  registry,
		validator: validator,
		memories:  memories,
		lifecycle: lc,
		distiller: distiller,
		cfg:       cfg,
		logger:    logger,
	}
}

// DataRow is one subject-dataset row as presented to the model.
type DataRow struct {
	Serialized json.RawMessage
	Matched    bool
	Current    bool
}

// Input is everything one run needs.
type Input struct {
	Execution  model.AgentExecution
	Definition model.AgentDefinition
	Rows       []DataRow
	// EntityKeys are counterparty names present in the dataset, used to
	// boost entity-scoped memories at retrieval.
	EntityKeys []string
}

// Result summarizes a finished run. Status is always terminal.
type Result struct {
	Status       model.ExecutionStatus
	Steps        int
	Outcome      map[string]any
	HumanMessage *string
	Metrics      model.ExecutionMetrics
}

// runTotals accumulates everything the metrics snapshot reports.
type runTotals struct {
	llmCalls     int
	tokens       int
	cost         float64
	fallbackUsed bool
	memoriesUsed map[uuid.UUID]bool
	started      time.Time

	baselineMatchRate *float64
	agentMatchRate    *float64
	exceptionCount    int
	memoriesCreated   int
	memoriesUpdated   int
}

func (t *runTotals) metrics() model.ExecutionMetrics {
	return model.ExecutionMetrics{
		BaselineMatchRate: t.baselineMatchRate,
		AgentMatchRate:    t.agentMatchRate,
		ExceptionCount:    t.exceptionCount,
		MemoriesUsed:      len(t.memoriesUsed),
		MemoriesCreated:   t.memoriesCreated,
		MemoriesUpdated:   t.memoriesUpdated,
		LLMCallCount:      t.llmCalls,
		TokensUsed:        t.tokens,
		EstimatedCost:     t.cost,
		ElapsedMs:         time.Since(t.started).Milliseconds(),
		FallbackUsed:      t.fallbackUsed,
	}
}

// observeMatching captures the match-rate and exception telemetry that
// matching tools report in their output. Later passes overwrite earlier
// ones; the snapshot carries the final state of the run.
func (t *runTotals) observeMatching(output map[string]any) {
	matched, okM := intField(output, "matched_count")
	unmatched, okU := intField(output, "unmatched_count")
	if okM && okU && matched+unmatched > 0 {
		rate := float64(matched) / float64(matched+unmatched)
		t.agentMatchRate = &rate
	}
	if n, ok := intField(output, "exception_count"); ok {
		t.exceptionCount = n
	}
}

// intField reads a numeric output field, tolerating the float64 that a JSON
// round-trip produces.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Run drives one execution to a terminal status. The returned error is
// non-nil only when recording the terminal status itself failed; decision,
// tool, and provider failures are absorbed into the execution's state.
func (e *Engine) Run(ctx context.Context, in Input) (Result, error) {
	ctx, span := telemetry.Tracer("satori/engine").Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("execution.id", in.Execution.ID.String()),
			attribute.String("agent.id", in.Execution.AgentID.String()),
		))
	defer span.End()

	exec := in.Execution
	totals := &runTotals{memoriesUsed: make(map[uuid.UUID]bool), started: time.Now()}
	if len(in.Rows) > 0 {
		// The dataset's pre-run matched fraction is the baseline the agent's
		// final match rate is compared against.
		base := float64(matchedCount(in.Rows)) / float64(len(in.Rows))
		totals.baselineMatchRate = &base
	}
	logger := e.logger.With("execution_id", exec.ID, "agent_id", exec.AgentID)

	for iter := len(exec.Steps) + 1; iter <= e.cfg.MaxIterations; iter++ {
		cancelled, err := e.lifecycle.IsCancelled(ctx, exec.OrgID, exec.ID)
		if err != nil {
			return e.fail(ctx, exec, totals, fmt.Sprintf("cancellation check: %v", err))
		}
		if cancelled {
			logger.Info("cancellation observed", "iteration", iter)
			if err := e.lifecycle.MarkCancelled(ctx, exec.OrgID, exec.ID, totals.metrics()); err != nil {
				return Result{}, err
			}
			return Result{Status: model.ExecutionStatusCancelled, Steps: len(exec.Steps), Metrics: totals.metrics()}, nil
		}

		b := budget.DataBudget(iter, len(in.Rows))

		memories, err := e.memories.Retrieve(ctx, memory.Query{
			OrgID:           exec.OrgID,
			AgentID:         exec.AgentID,
			EntityKeys:      in.EntityKeys,
			MaxMemories:     b.MaxMemories,
			ConfidenceFloor: e.cfg.ConfidenceFloor,
		})
		if err != nil {
			// Memory is an accelerant, not a prerequisite.
			logger.Warn("memory retrieval failed", "iteration", iter, "error", err)
			memories = nil
		}
		for _, m := range memories {
			totals.memoriesUsed[m.ID] = true
		}

		dec, step, err := e.decide(ctx, in, exec, iter, b, memories, totals)
		if err != nil {
			return e.fail(ctx, exec, totals, err.Error())
		}

		if dec.WantsTool() {
			res := e.registry.Execute(ctx, *dec.ToolName, dec.ToolInput, tool.RunContext{
				OrgID:       exec.OrgID,
				AgentID:     exec.AgentID,
				ExecutionID: exec.ID,
			})
			step.ToolName = dec.ToolName
			step.ToolOutput = res.Output
			step.DurationMs += res.DurationMs
			if res.Success {
				step.Status = model.StepStatusCompleted
				totals.observeMatching(res.Output)
			} else {
				// Tool failure is not loop-fatal: the model sees it in
				// history next iteration and may adapt.
				step.Status = model.StepStatusFailed
				if step.ToolOutput == nil {
					step.ToolOutput = map[string]any{}
				}
				step.ToolOutput["error"] = res.Error
				logger.Warn("tool failed", "iteration", iter, "tool", *dec.ToolName, "error", res.Error)
			}
		}

		if err := e.lifecycle.AppendStep(ctx, exec.OrgID, exec.ID, step, totals.fallbackUsed); err != nil {
			return e.fail(ctx, exec, totals, fmt.Sprintf("append step: %v", err))
		}
		exec.Steps = append(exec.Steps, step)

		if dec.Done {
			// Distill before the terminal transition: the metrics snapshot
			// is write-once, so the memory counts must be in hand first.
			if e.distiller != nil {
				created, updated, err := e.distiller(ctx, exec.OrgID, exec.ID)
				if err != nil {
					logger.Warn("lesson distillation failed", "error", err)
				} else {
					totals.memoriesCreated += created
					totals.memoriesUpdated += updated
				}
			}
			outcome := map[string]any{"summary": dec.Reasoning, "last_action": dec.Action}
			if err := e.lifecycle.Complete(ctx, exec.OrgID, exec.ID, outcome, totals.metrics()); err != nil {
				return Result{}, err
			}
			logger.Info("execution done", "iterations", iter)
			return Result{Status: model.ExecutionStatusCompleted, Steps: len(exec.Steps), Outcome: outcome, Metrics: totals.metrics()}, nil
		}
		if dec.NeedsHuman {
			outcome := map[string]any{"summary": dec.Reasoning}
			if err := e.lifecycle.MarkNeedsReview(ctx, exec.OrgID, exec.ID, outcome, dec.HumanMessage, totals.metrics()); err != nil {
				return Result{}, err
			}
			logger.Info("execution handed to human", "iterations", iter)
			return Result{Status: model.ExecutionStatusNeedsReview, Steps: len(exec.Steps), Outcome: outcome, HumanMessage: dec.HumanMessage, Metrics: totals.metrics()}, nil
		}
	}

	msg := capMessage
	if err := e.lifecycle.MarkNeedsReview(ctx, exec.OrgID, exec.ID, nil, &msg, totals.metrics()); err != nil {
		return Result{}, err
	}
	logger.Info("iteration cap reached")
	return Result{Status: model.ExecutionStatusNeedsReview, Steps: len(exec.Steps), HumanMessage: &msg, Metrics: totals.metrics()}, nil
}

// decide makes one reasoning call (plus at most one correction retry) and
// returns the validated decision with a step shell carrying usage.
func (e *Engine) decide(ctx context.Context, in Input, exec model.AgentExecution, iter int, b budget.Budget, memories []model.AgentMemory, totals *runTotals) (model.Decision, model.ExecutionStep, error) {
	history := renderHistory(exec.Steps, b.MaxHistorySteps)
	system := buildSystemPrompt(e.registry.Describe(), memories, in.Definition.CustomInstructions(), history)

	rows := selectRows(in.Rows, b.CompressionLevel)
	if len(rows) > b.MaxRows {
		rows = rows[:b.MaxRows]
	}
	dataCeiling := e.cfg.PromptTokenCeiling - budget.EstimateTokens(system)
	rows = budget.FitRows(rows, dataCeiling)

	user := buildUserPrompt(exec.Goal, iter, e.cfg.MaxIterations, stateSummary(in.Rows), b.CompressionLevel, rows, history)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
	opts := llm.CallOptions{
		Tier:        llm.TierReasoning,
		MaxTokens:   e.cfg.MaxResponseTokens,
		Temperature: e.cfg.Temperature,
		JSONOnly:    true,
	}

	comp, err := e.gateway.Complete(ctx, messages, opts)
	if err != nil {
		return model.Decision{}, model.ExecutionStep{}, fmt.Errorf("reasoning call: %w", err)
	}
	totals.observe(comp)

	step := newStep(iter, comp)
	dec, verr := e.validator.Validate([]byte(comp.Content))
	if verr == nil {
		step.Action = dec.Action
		step.Reasoning = dec.Reasoning
		return dec, step, nil
	}

	// One correction retry: replay the invalid response plus the
	// validator's complaint, then give up.
	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: comp.Content},
		llm.Message{Role: llm.RoleUser, Content: decision.CorrectionPrompt(verr)},
	)
	retry, err := e.gateway.Complete(ctx, messages, opts)
	if err != nil {
		return model.Decision{}, model.ExecutionStep{}, fmt.Errorf("correction call: %w", err)
	}
	totals.observe(retry)
	step.LLMCalls++
	step.TokensUsed += retry.TokensUsed
	step.Cost += retry.Cost
	step.DurationMs += retry.DurationMs

	dec, verr = e.validator.Validate([]byte(retry.Content))
	if verr != nil {
		return model.Decision{}, model.ExecutionStep{}, fmt.Errorf("invalid decision after correction: %v", verr)
	}
	step.Action = dec.Action
	step.Reasoning = dec.Reasoning
	return dec, step, nil
}

func (t *runTotals) observe(c llm.Completion) {
	t.llmCalls++
	t.tokens += c.TokensUsed
	t.cost += c.Cost
	t.fallbackUsed = t.fallbackUsed || c.FallbackUsed
}

func newStep(iter int, comp llm.Completion) model.ExecutionStep {
	m := comp.Model
	return model.ExecutionStep{
		StepNumber: iter,
		Timestamp:  time.Now().UTC(),
		Status:     model.StepStatusCompleted,
		Model:      &m,
		LLMCalls:   1,
		TokensUsed: comp.TokensUsed,
		Cost:       comp.Cost,
		DurationMs: comp.DurationMs,
	}
}

// fail records a failed terminal state; the original cause is reported in
// the result, not as a Go error.
func (e *Engine) fail(ctx context.Context, exec model.AgentExecution, totals *runTotals, reason string) (Result, error) {
	e.logger.Error("execution failed", "execution_id", exec.ID, "reason", reason)
	if err := e.lifecycle.Fail(ctx, exec.OrgID, exec.ID, reason, totals.metrics()); err != nil {
		return Result{}, err
	}
	return Result{Status: model.ExecutionStatusFailed, Steps: len(exec.Steps), Metrics: totals.metrics()}, nil
}

// selectRows applies the band's compression level to the dataset.
func selectRows(rows []DataRow, level budget.CompressionLevel) []json.RawMessage {
	var out []json.RawMessage
	for _, r := range rows {
		switch level {
		case budget.CompressionFull:
			out = append(out, r.Serialized)
		case budget.CompressionUnmatched:
			if !r.Matched {
				out = append(out, r.Serialized)
			}
		case budget.CompressionCurrent:
			if r.Current {
				out = append(out, r.Serialized)
			}
		}
	}
	return out
}

func matchedCount(rows []DataRow) int {
	matched := 0
	for _, r := range rows {
		if r.Matched {
			matched++
		}
	}
	return matched
}

func stateSummary(rows []DataRow) string {
	matched := matchedCount(rows)
	return fmt.Sprintf("%d of %d rows matched, %d unmatched", matched, len(rows), len(rows)-matched)
}
