package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step func(Request) (*Completion, error)

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	steps []step
}

func (p *scriptedProvider) Complete(_ context.Context, req Request) (*Completion, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	return p.steps[i](req)
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fail(err error) step {
	return func(Request) (*Completion, error) { return nil, err }
}

func answer(tool, args string) step {
	return func(Request) (*Completion, error) {
		return &Completion{
			Model:     "qwen3",
			ToolCalls: []ToolCall{{ID: "call_1", Name: tool, Arguments: args}},
			Usage:     Usage{PromptTokens: 1000, CompletionTokens: 500},
		}, nil
	}
}

type captureRecorder struct {
	mu      sync.Mutex
	records []UsageRecord
	err     error
}

func (r *captureRecorder) Record(_ context.Context, rec UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *captureRecorder) Records() []UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UsageRecord(nil), r.records...)
}

var decideTool = &Tool{
	Name:        "decide_mutation",
	Description: "decide",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reasoning":     map[string]interface{}{"type": "string", "minLength": 1},
			"should_mutate": map[string]interface{}{"type": "boolean"},
		},
		"required": []interface{}{"reasoning", "should_mutate"},
	},
}

func decideRequest() Request {
	return Request{
		Messages:    []Message{System("judge"), User("a beat")},
		Tool:        decideTool,
		Temperature: Temperature(0.2),
		Metadata:    Metadata{Module: "locations", PromptID: "location.decision", CorrelationID: "corr-1", WorldID: "w1"},
	}
}

func fastPolicy() Option {
	return WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})
}

const validDecision = `{"reasoning":"the dam broke","should_mutate":true}`

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		fail(errors.New("connection reset")),
		fail(&StatusError{StatusCode: 429, Body: "slow down"}),
		answer("decide_mutation", validDecision),
	}}
	g := NewGateway(p, fastPolicy())

	res, err := g.Complete(context.Background(), decideRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, "decide_mutation", res.ToolName)
	assert.JSONEq(t, validDecision, string(res.Arguments))
}

func TestRetryExhausted(t *testing.T) {
	p := &scriptedProvider{steps: []step{fail(errors.New("timeout"))}}
	g := NewGateway(p, fastPolicy())

	_, err := g.Complete(context.Background(), decideRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, ErrRetryable)
	assert.Equal(t, 3, p.Calls())

	var oerr *Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, 3, oerr.Attempts)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestNonRetryableFailuresAreAttemptedOnce(t *testing.T) {
	tests := []struct {
		name string
		step step
		want error
	}{
		{"malformed json", answer("decide_mutation", `{"reasoning": "cut off`), ErrParsing},
		{"no tool call", func(Request) (*Completion, error) { return &Completion{Content: "I think yes"}, nil }, ErrResponseShape},
		{"wrong tool", answer("plan_location_mutations", validDecision), ErrResponseShape},
		{"schema violation", answer("decide_mutation", `{"reasoning":"","should_mutate":"yes"}`), ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{steps: []step{tt.step, answer("decide_mutation", validDecision)}}
			g := NewGateway(p, fastPolicy())

			_, err := g.Complete(context.Background(), decideRequest())
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, IsRetryable(err))
			assert.Equal(t, 1, p.Calls())
		})
	}
}

func TestMissingMetadataFailsBeforeProviderCall(t *testing.T) {
	p := &scriptedProvider{steps: []step{answer("decide_mutation", validDecision)}}
	g := NewGateway(p, fastPolicy())

	req := decideRequest()
	req.Metadata.CorrelationID = ""
	req.Metadata.PromptID = ""

	_, err := g.Complete(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorContains(t, err, "prompt_id, correlation_id")
	assert.Zero(t, p.Calls())
}

func TestCancelledContextIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{steps: []step{func(Request) (*Completion, error) {
		cancel()
		return nil, context.Canceled
	}}}
	g := NewGateway(p, fastPolicy())

	_, err := g.Complete(ctx, decideRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.Calls())
}

func TestUsageIsRecordedAsynchronously(t *testing.T) {
	rec := &captureRecorder{err: errors.New("ledger offline")}
	g := NewGateway(
		&scriptedProvider{steps: []step{answer("decide_mutation", validDecision)}},
		fastPolicy(),
		WithUsageRecorder(rec),
		WithPricing(Pricing{"qwen3": {InputPer1K: 0.002, OutputPer1K: 0.004}}),
	)

	_, err := g.Complete(context.Background(), decideRequest())
	require.NoError(t, err, "recorder failures never reach the caller")
	require.NoError(t, g.Flush(context.Background()))

	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "locations", records[0].Module)
	assert.Equal(t, "location.decision", records[0].PromptID)
	assert.Equal(t, "corr-1", records[0].CorrelationID)
	assert.InDelta(t, 0.004, records[0].EstimatedCostUSD, 1e-9)
}

func TestDecode(t *testing.T) {
	g := NewGateway(&scriptedProvider{steps: []step{answer("decide_mutation", "```json\n"+validDecision+"\n```")}}, fastPolicy())

	got, err := Decode[struct {
		Reasoning    string `json:"reasoning"`
		ShouldMutate bool   `json:"should_mutate"`
	}](context.Background(), g, decideRequest())
	require.NoError(t, err)
	assert.True(t, got.ShouldMutate)
	assert.Equal(t, "the dam broke", got.Reasoning)
}

func TestPlainCompletionWithoutTool(t *testing.T) {
	g := NewGateway(&scriptedProvider{steps: []step{func(Request) (*Completion, error) {
		return &Completion{Model: "qwen3", Content: "The river rises."}, nil
	}}}, fastPolicy())

	req := decideRequest()
	req.Tool = nil
	res, err := g.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "The river rises.", res.Content)
	assert.Nil(t, res.Arguments)
}

func TestGatewayEnforcesIdentifierFormats(t *testing.T) {
	tool := &Tool{
		Name: "pick_target",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"target": map[string]interface{}{"type": "string", "format": "entity_id"},
			},
			"required": []interface{}{"target"},
		},
	}
	req := decideRequest()
	req.Tool = tool

	p := &scriptedProvider{steps: []step{answer("pick_target", `{"target":"Crystal Lake"}`)}}
	_, err := NewGateway(p, fastPolicy()).Complete(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)

	p = &scriptedProvider{steps: []step{answer("pick_target", `{"target":"crystal-lake"}`)}}
	_, err = NewGateway(p, fastPolicy()).Complete(context.Background(), req)
	assert.NoError(t, err)
}
