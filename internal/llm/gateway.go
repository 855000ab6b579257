package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/satori/internal/telemetry"
)

// TierModels maps call tiers to default models.
type TierModels struct {
	Reasoning    string
	Tool         string
	Distillation string
	Fallback     string // Cascade target for failed reasoning calls.
}

// Gateway routes completion calls to the transport with tier-based model
// selection and a one-level cascade fallback for the reasoning tier.
type Gateway struct {
	client Client
	tiers  TierModels
	logger *slog.Logger

	callDuration metric.Float64Histogram
	tokensUsed   metric.Int64Counter
	callCost     metric.Float64Counter
}

// NewGateway creates a Gateway over the given transport.
func NewGateway(client Client, tiers TierModels, logger *slog.Logger) *Gateway {
	meter := telemetry.Meter("satori/llm")
	dur, _ := meter.Float64Histogram("satori.llm.duration",
		metric.WithDescription("Chat-completion call duration (ms)"),
		metric.WithUnit("ms"),
	)
	tok, _ := meter.Int64Counter("satori.llm.tokens",
		metric.WithDescription("Total tokens consumed by chat-completion calls"),
	)
	cost, _ := meter.Float64Counter("satori.llm.cost",
		metric.WithDescription("Estimated chat-completion spend (USD)"),
	)
	return &Gateway{
		client:       client,
		tiers:        tiers,
		logger:       logger,
		callDuration: dur,
		tokensUsed:   tok,
		callCost:     cost,
	}
}

// ModelForTier resolves the default model for a tier.
func (g *Gateway) ModelForTier(tier Tier) string {
	switch tier {
	case TierReasoning:
		return g.tiers.Reasoning
	case TierDistillation:
		return g.tiers.Distillation
	default:
		return g.tiers.Tool
	}
}

// Complete executes one chat-completion call. An explicit opts.Model bypasses
// tier mapping. A failed reasoning-tier call on a model other than the
// fallback model is retried exactly once against the fallback model; the
// returned Completion reports FallbackUsed so the caller can flag the
// execution. Any other failure, or a second failure, propagates.
func (g *Gateway) Complete(ctx context.Context, messages []Message, opts CallOptions) (Completion, error) {
	model := opts.Model
	if model == "" {
		model = g.ModelForTier(opts.Tier)
	}

	comp, err := g.call(ctx, model, messages, opts)
	if err == nil {
		return comp, nil
	}

	if opts.Tier != TierReasoning || model == g.tiers.Fallback {
		return Completion{}, err
	}

	g.logger.Warn("llm: reasoning call failed, cascading to fallback model",
		"model", model, "fallback", g.tiers.Fallback, "error", err)

	comp, fbErr := g.call(ctx, g.tiers.Fallback, messages, opts)
	if fbErr != nil {
		return Completion{}, fmt.Errorf("llm: fallback after %v: %w", err, fbErr)
	}
	comp.FallbackUsed = true
	return comp, nil
}

func (g *Gateway) call(ctx context.Context, model string, messages []Message, opts CallOptions) (Completion, error) {
	req := Request{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		JSONOnly:    opts.JSONOnly,
	}
	for _, m := range messages {
		if m.Role == RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	start := time.Now()
	resp, err := g.client.Complete(ctx, req)
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("tier", string(opts.Tier)),
	)
	g.callDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: complete (%s): %w", model, err)
	}

	total := resp.InputTokens + resp.OutputTokens
	var cost float64
	if resp.InputTokens > 0 || resp.OutputTokens > 0 {
		cost = EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
	} else {
		cost = EstimateCostFromTotal(resp.Model, total)
	}

	g.tokensUsed.Add(ctx, int64(total), attrs)
	g.callCost.Add(ctx, cost, attrs)

	return Completion{
		Content:    resp.Content,
		Model:      resp.Model,
		TokensUsed: total,
		DurationMs: elapsed.Milliseconds(),
		Cost:       cost,
	}, nil
}
