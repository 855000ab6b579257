// Package satori is the public API for embedding the Satori reasoning and
// memory engine.
//
// Host applications construct an Engine, create executions for their agents,
// and drive each execution's reasoning loop in-process:
//
//	eng, err := satori.New(
//	    satori.WithLogger(logger),
//	    satori.WithMatcher(myMatchingService),
//	    satori.WithVendorDirectory(myVendorService),
//	)
//	if err != nil { ... }
//	defer eng.Close(ctx)
//
//	id, err := eng.CreateExecution(ctx, satori.CreateExecutionInput{...})
//	outcome, err := eng.Run(ctx, satori.RunInput{OrgID: org, ExecutionID: id, Rows: rows})
//
// The import graph enforces a strict no-cycle rule: satori (root) imports
// internal/*, but internal/* never imports satori (root). Public types are
// standalone structs with no internal imports; the adapters between the two
// live here because this is the only file that sees both sides of the
// boundary.
package satori

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ledgerline/satori/internal/config"
	"github.com/ledgerline/satori/internal/decision"
	"github.com/ledgerline/satori/internal/engine"
	"github.com/ledgerline/satori/internal/feedback"
	"github.com/ledgerline/satori/internal/lifecycle"
	"github.com/ledgerline/satori/internal/llm"
	"github.com/ledgerline/satori/internal/memory"
	"github.com/ledgerline/satori/internal/model"
	"github.com/ledgerline/satori/internal/storage"
	"github.com/ledgerline/satori/internal/telemetry"
	"github.com/ledgerline/satori/internal/tool"
	"github.com/ledgerline/satori/migrations"
)

// Engine is the embedded reasoning and memory engine. Construct with New().
type Engine struct {
	cfg          config.Config
	db           *storage.DB
	registry     *tool.Registry
	lifecycle    *lifecycle.Manager
	memories     *memory.Service
	feedback     *feedback.Service
	loop         *engine.Engine
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

// New initialises the engine: it connects to the database, runs migrations,
// and wires the gateway, tool registry, and services. It starts no
// goroutines; each Run call drives one execution on the caller's goroutine.
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("satori starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	var client llm.Client
	if o.llmClient != nil {
		client = &llmClientAdapter{c: o.llmClient}
	} else {
		client = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	}
	gateway := llm.NewGateway(client, llm.TierModels{
		Reasoning:    cfg.ReasoningModel,
		Tool:         cfg.ToolModel,
		Distillation: cfg.ToolModel,
		Fallback:     cfg.FallbackModel,
	}, logger)

	registry := tool.NewRegistry(logger)
	tool.RegisterReconciliationTools(registry,
		wrapMatcher(o.matcher), wrapVendorDirectory(o.vendors), wrapResultSink(o.sink))

	memories := memory.New(db, cfg.RecommendThreshold, logger)
	lc := lifecycle.NewManager(db, logger)
	fb := feedback.New(db, memories, logger)

	// Distillation runs inside the loop, before the terminal transition, so
	// the memory counts land in the write-once metrics snapshot.
	distiller := func(ctx context.Context, orgID, executionID uuid.UUID) (int, int, error) {
		counts, err := fb.DistillLessons(ctx, orgID, executionID)
		if err != nil {
			return 0, 0, err
		}
		return counts.Created(), counts.MemoriesUpdated, nil
	}

	loop := engine.New(gateway, registry, decision.NewValidator(registry), memories, lc, distiller, engine.Config{
		MaxIterations:      cfg.MaxIterations,
		PromptTokenCeiling: cfg.PromptTokenCeiling,
		ConfidenceFloor:    cfg.ConfidenceFloor,
		MaxResponseTokens:  cfg.MaxResponseTokens,
		Temperature:        cfg.Temperature,
	}, logger)

	return &Engine{
		cfg:          cfg,
		db:           db,
		registry:     registry,
		lifecycle:    lc,
		memories:     memories,
		feedback:     fb,
		loop:         loop,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// Close releases the database pool and flushes telemetry.
func (e *Engine) Close(ctx context.Context) {
	e.db.Close()
	if e.otelShutdown != nil {
		if err := e.otelShutdown(ctx); err != nil {
			e.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}

// CreateAgent registers a new agent definition and returns its ID.
func (e *Engine) CreateAgent(ctx context.Context, in CreateAgentInput) (uuid.UUID, error) {
	def := model.AgentDefinition{
		OrgID:    in.OrgID,
		Name:     in.Name,
		Settings: in.Settings,
		IsActive: true,
	}
	if in.TaskType != "" {
		def.TaskType = &in.TaskType
	}
	created, err := e.db.CreateDefinition(ctx, def)
	if err != nil {
		return uuid.Nil, err
	}
	return created.ID, nil
}

// CreateExecution starts a new execution in the running state and returns
// its ID. The loop does not start until Run is called.
func (e *Engine) CreateExecution(ctx context.Context, in CreateExecutionInput) (uuid.UUID, error) {
	if _, err := e.db.GetDefinition(ctx, in.OrgID, in.AgentID); err != nil {
		return uuid.Nil, err
	}
	exec, err := e.lifecycle.Create(ctx, lifecycle.CreateInput{
		OrgID:         in.OrgID,
		AgentID:       in.AgentID,
		Goal:          in.Goal,
		InputContext:  in.InputContext,
		TriggerType:   model.TriggerManual,
		TriggeredBy:   in.TriggeredBy,
		PromptVersion: e.cfg.PromptVersion,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return exec.ID, nil
}

// Run drives an execution's reasoning loop to a terminal state and distills
// lessons from the finished run. Errors are returned only when even the
// terminal state could not be recorded; decision, tool, and provider
// failures surface as the outcome's status instead.
func (e *Engine) Run(ctx context.Context, in RunInput) (RunOutcome, error) {
	exec, err := e.db.GetExecution(ctx, in.OrgID, in.ExecutionID)
	if err != nil {
		return RunOutcome{}, err
	}
	if exec.Status.Terminal() {
		return RunOutcome{}, fmt.Errorf("execution %s already %s: %w", exec.ID, exec.Status, storage.ErrAlreadyTerminal)
	}
	def, err := e.db.GetDefinition(ctx, in.OrgID, exec.AgentID)
	if err != nil {
		return RunOutcome{}, err
	}

	rows := make([]engine.DataRow, 0, len(in.Rows))
	for _, r := range in.Rows {
		raw, err := json.Marshal(r.Data)
		if err != nil {
			return RunOutcome{}, fmt.Errorf("encode row: %w", err)
		}
		rows = append(rows, engine.DataRow{Serialized: raw, Matched: r.Matched, Current: r.Current})
	}

	res, err := e.loop.Run(ctx, engine.Input{
		Execution:  exec,
		Definition: def,
		Rows:       rows,
		EntityKeys: in.EntityKeys,
	})
	if err != nil {
		return RunOutcome{}, err
	}

	out := RunOutcome{
		Status:     string(res.Status),
		Steps:      res.Steps,
		Outcome:    res.Outcome,
		TokensUsed: res.Metrics.TokensUsed,
		Cost:       res.Metrics.EstimatedCost,
	}
	if res.HumanMessage != nil {
		out.HumanMessage = *res.HumanMessage
	}
	return out, nil
}

// Status returns a progress snapshot for an execution.
func (e *Engine) Status(ctx context.Context, orgID, executionID uuid.UUID) (Status, error) {
	snap, err := e.lifecycle.GetStatus(ctx, orgID, executionID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		ExecutionID: snap.ExecutionID,
		Status:      string(snap.Status),
		StepCount:   snap.StepCount,
		LastAction:  snap.LastAction,
		LastReason:  snap.LastReason,
		UpdatedAt:   snap.UpdatedAt,
	}, nil
}

// Cancel requests cooperative cancellation of a running execution. The loop
// honors the request at its next iteration boundary; an in-flight LLM or
// tool call completes first.
func (e *Engine) Cancel(ctx context.Context, orgID, executionID uuid.UUID) error {
	return e.lifecycle.RequestCancel(ctx, orgID, executionID)
}

// SubmitCorrection applies one human judgment: the cited memory's
// confidence is adjusted and, on a reclassification, a corrective memory is
// recorded. Submit each correction event at most once.
func (e *Engine) SubmitCorrection(ctx context.Context, in CorrectionInput) error {
	c := feedback.Correction{
		OrgID:           in.OrgID,
		AgentID:         in.AgentID,
		ExecutionID:     in.ExecutionID,
		OriginalValue:   in.OriginalValue,
		CorrectedBy:     in.CorrectedBy,
		Rejected:        in.Rejected,
		BasedOnMemoryID: in.BasedOnMemoryID,
	}
	if in.CorrectedValue != "" {
		c.CorrectedValue = &in.CorrectedValue
	}
	if in.Vendor != "" {
		c.Vendor = &in.Vendor
	}
	if in.Category != "" {
		c.Category = &in.Category
	}
	return e.feedback.HandleCorrection(ctx, c)
}

// ProcessRunFeedback compares an execution's recommendations against the
// human's final resolutions after the external run completed, adjusting
// memory confidence for every pair.
func (e *Engine) ProcessRunFeedback(ctx context.Context, orgID, agentID, executionID uuid.UUID, outcomes []ItemOutcome) (FeedbackCounts, error) {
	items := make([]feedback.ItemOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		item := feedback.ItemOutcome{
			ItemID:          o.ItemID,
			Recommended:     o.Recommended,
			Resolved:        o.Resolved,
			BasedOnMemoryID: o.BasedOnMemoryID,
		}
		if o.Vendor != "" {
			v := o.Vendor
			item.Vendor = &v
		}
		if o.Category != "" {
			c := o.Category
			item.Category = &c
		}
		items = append(items, item)
	}
	counts, err := e.feedback.ProcessRunFeedback(ctx, orgID, agentID, executionID, items)
	if err != nil {
		return FeedbackCounts{}, err
	}
	return FeedbackCounts(counts), nil
}

// --- adapters between public and internal types ---

type llmClientAdapter struct {
	c LLMClient
}

func (a *llmClientAdapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages := make([]LLMMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, LLMMessage{Role: string(m.Role), Content: m.Content})
	}
	resp, err := a.c.Complete(ctx, LLMRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSONOnly:    req.JSONOnly,
	})
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{
		Content:      resp.Content,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

type matcherAdapter struct{ m Matcher }

func (a *matcherAdapter) RunMatching(ctx context.Context, req tool.MatchRequest) (tool.MatchResult, error) {
	res, err := a.m.RunMatching(ctx, MatchRequest{
		SourceRows:    req.SourceRows,
		TargetRows:    req.TargetRows,
		SourceColumns: req.SourceColumns,
		TargetColumns: req.TargetColumns,
		Rules:         req.Rules,
	})
	if err != nil {
		return tool.MatchResult{}, err
	}
	return tool.MatchResult{
		Matched:    res.Matched,
		Unmatched:  res.Unmatched,
		Exceptions: res.Exceptions,
		Variance:   res.Variance,
	}, nil
}

func wrapMatcher(m Matcher) tool.Matcher {
	if m == nil {
		return nil
	}
	return &matcherAdapter{m: m}
}

type vendorDirectoryAdapter struct{ v VendorDirectory }

func (a *vendorDirectoryAdapter) Lookup(ctx context.Context, name string) ([]tool.Vendor, error) {
	found, err := a.v.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]tool.Vendor, 0, len(found))
	for _, v := range found {
		out = append(out, tool.Vendor{
			Name:     v.Name,
			Category: v.Category,
			Aliases:  v.Aliases,
			Metadata: v.Metadata,
		})
	}
	return out, nil
}

func wrapVendorDirectory(v VendorDirectory) tool.VendorDirectory {
	if v == nil {
		return nil
	}
	return &vendorDirectoryAdapter{v: v}
}

type resultSinkAdapter struct{ s ResultSink }

func (a *resultSinkAdapter) SaveResults(ctx context.Context, executionID string, results map[string]any) error {
	return a.s.SaveResults(ctx, executionID, results)
}

func wrapResultSink(s ResultSink) tool.ResultSink {
	if s == nil {
		return nil
	}
	return &resultSinkAdapter{s: s}
}
