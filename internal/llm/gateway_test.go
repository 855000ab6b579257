package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTiers = TierModels{
	Reasoning:    "claude-sonnet-4-20250514",
	Tool:         "claude-3-5-haiku-20241022",
	Distillation: "claude-3-5-haiku-20241022",
	Fallback:     "claude-3-5-haiku-20241022",
}

// fakeClient scripts transport responses per call.
type fakeClient struct {
	requests  []Request
	responses []func(Request) (Response, error)
}

func (f *fakeClient) Complete(_ context.Context, req Request) (Response, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return Response{Content: "ok", Model: req.Model, InputTokens: 60, OutputTokens: 40}, nil
	}
	fn := f.responses[0]
	f.responses = f.responses[1:]
	return fn(req)
}

func newTestGateway(client Client) *Gateway {
	return NewGateway(client, testTiers, slog.Default())
}

func TestCompleteTierMapping(t *testing.T) {
	tests := []struct {
		tier      Tier
		wantModel string
	}{
		{TierReasoning, "claude-sonnet-4-20250514"},
		{TierTool, "claude-3-5-haiku-20241022"},
		{TierDistillation, "claude-3-5-haiku-20241022"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			fc := &fakeClient{}
			g := newTestGateway(fc)

			comp, err := g.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, CallOptions{Tier: tt.tier, MaxTokens: 100})
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, fc.requests[0].Model)
			assert.Equal(t, 100, comp.TokensUsed)
			assert.False(t, comp.FallbackUsed)
		})
	}
}

func TestCompleteExplicitModelOverride(t *testing.T) {
	fc := &fakeClient{}
	g := newTestGateway(fc)

	_, err := g.Complete(context.Background(), nil, CallOptions{Tier: TierReasoning, Model: "claude-opus-4-20250514", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-20250514", fc.requests[0].Model)
}

func TestCompleteSystemMessagesLifted(t *testing.T) {
	fc := &fakeClient{}
	g := newTestGateway(fc)

	msgs := []Message{
		{Role: RoleSystem, Content: "you are careful"},
		{Role: RoleUser, Content: "goal"},
		{Role: RoleAssistant, Content: "previous"},
	}
	_, err := g.Complete(context.Background(), msgs, CallOptions{Tier: TierTool, MaxTokens: 10})
	require.NoError(t, err)

	req := fc.requests[0]
	assert.Equal(t, "you are careful", req.System)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Equal(t, RoleAssistant, req.Messages[1].Role)
}

func TestCompleteReasoningCascadesToFallbackOnce(t *testing.T) {
	fc := &fakeClient{
		responses: []func(Request) (Response, error){
			func(Request) (Response, error) { return Response{}, errors.New("overloaded") },
			func(req Request) (Response, error) {
				return Response{Content: "fallback answer", Model: req.Model, InputTokens: 30, OutputTokens: 20}, nil
			},
		},
	}
	g := newTestGateway(fc)

	comp, err := g.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, CallOptions{Tier: TierReasoning, MaxTokens: 10})
	require.NoError(t, err)
	require.Len(t, fc.requests, 2)
	assert.Equal(t, testTiers.Reasoning, fc.requests[0].Model)
	assert.Equal(t, testTiers.Fallback, fc.requests[1].Model)
	assert.True(t, comp.FallbackUsed)
	assert.Equal(t, "fallback answer", comp.Content)
}

func TestCompleteSecondFailurePropagates(t *testing.T) {
	fail := func(Request) (Response, error) { return Response{}, errors.New("still down") }
	fc := &fakeClient{responses: []func(Request) (Response, error){fail, fail}}
	g := newTestGateway(fc)

	_, err := g.Complete(context.Background(), nil, CallOptions{Tier: TierReasoning, MaxTokens: 10})
	require.Error(t, err)
	assert.Len(t, fc.requests, 2, "exactly one fallback attempt")
}

func TestCompleteToolTierDoesNotCascade(t *testing.T) {
	fc := &fakeClient{responses: []func(Request) (Response, error){
		func(Request) (Response, error) { return Response{}, errors.New("boom") },
	}}
	g := newTestGateway(fc)

	_, err := g.Complete(context.Background(), nil, CallOptions{Tier: TierTool, MaxTokens: 10})
	require.Error(t, err)
	assert.Len(t, fc.requests, 1)
}

func TestCompleteFallbackModelDoesNotCascadeToItself(t *testing.T) {
	fc := &fakeClient{responses: []func(Request) (Response, error){
		func(Request) (Response, error) { return Response{}, errors.New("boom") },
	}}
	g := newTestGateway(fc)

	_, err := g.Complete(context.Background(), nil, CallOptions{Tier: TierReasoning, Model: testTiers.Fallback, MaxTokens: 10})
	require.Error(t, err)
	assert.Len(t, fc.requests, 1)
}

func TestEstimateCost(t *testing.T) {
	// 1M input + 1M output on sonnet = $3 + $15.
	assert.InDelta(t, 18.0, EstimateCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000), 1e-9)
	// Unknown models cost zero.
	assert.Zero(t, EstimateCost("unknown-model", 1000, 1000))
}

func TestEstimateCostFromTotalSplit(t *testing.T) {
	// 100k tokens at 60/40: 60k in * $3/M + 40k out * $15/M = 0.18 + 0.60.
	assert.InDelta(t, 0.78, EstimateCostFromTotal("claude-sonnet-4-20250514", 100_000), 1e-9)
}
