package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"multiverse-ripple/internal/logging"
	"multiverse-ripple/internal/schema"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy configures exponential backoff between retryable failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
}

// Gateway is the single entry point for model calls. It validates requests,
// retries transient failures, extracts and validates tool arguments and
// records usage off the caller's path.
type Gateway struct {
	provider Provider
	policy   RetryPolicy
	recorder UsageRecorder
	pricing  Pricing
	log      *zap.Logger

	validators sync.Map // schema key -> *schema.Validator
	pending    sync.WaitGroup
}

type Option func(*Gateway)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(g *Gateway) { g.policy = p.withDefaults() }
}

func WithUsageRecorder(r UsageRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

func WithPricing(p Pricing) Option {
	return func(g *Gateway) { g.pricing = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.log = logging.OrNop(l) }
}

// RetryPolicy returns the policy in effect after defaults are applied.
func (g *Gateway) RetryPolicy() RetryPolicy { return g.policy }

func NewGateway(provider Provider, opts ...Option) *Gateway {
	schema.RegisterCustomFormats()
	g := &Gateway{
		provider: provider,
		policy:   DefaultRetryPolicy(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.recorder == nil {
		g.recorder = NewLogRecorder(g.log)
	}
	return g
}

// Complete runs req to a validated result.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	md := req.Metadata
	log := g.log.With(
		zap.String("module", md.Module),
		zap.String("prompt_id", md.PromptID),
		logging.CorrelationID(md.CorrelationID),
	)

	var validator *schema.Validator
	if req.Tool != nil {
		v, err := g.validatorFor(req.Tool)
		if err != nil {
			return nil, newError(KindInvalidRequest, md, 0, err)
		}
		validator = v
	}

	attempts := 0
	result, err := backoff.Retry(ctx, func() (*Result, error) {
		attempts++
		res, err := g.attempt(ctx, req, validator)
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		log.Warn("oracle call failed, will retry", zap.Int("attempt", attempts), zap.Error(err))
		return nil, err
	}, backoff.WithBackOff(g.policy.backOff()), backoff.WithMaxTries(uint(g.policy.MaxAttempts)))

	if err != nil {
		var oerr *Error
		switch {
		case IsRetryable(err):
			err = newError(KindRetryExhausted, md, attempts, err)
		case errors.As(err, &oerr):
			oerr.Attempts = attempts
		default:
			err = fmt.Errorf("oracle %s/%s: %w", md.Module, md.PromptID, err)
		}
		log.Error("oracle call failed", zap.Int("attempts", attempts), zap.Error(err))
		return nil, err
	}

	result.Attempts = attempts
	g.recordAsync(md, result)
	log.Debug("oracle call succeeded",
		zap.Int("attempts", attempts),
		zap.String("model", result.Model),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
	)
	return result, nil
}

func (g *Gateway) attempt(ctx context.Context, req Request, validator *schema.Validator) (*Result, error) {
	comp, err := g.provider.Complete(ctx, req)
	if err != nil {
		var oerr *Error
		if errors.As(err, &oerr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(KindRetryable, req.Metadata, 0, err)
	}
	if comp == nil {
		return nil, newError(KindResponseShape, req.Metadata, 0, errors.New("empty completion"))
	}

	res := &Result{Model: comp.Model, Content: comp.Content, Usage: comp.Usage}
	if req.Tool == nil {
		return res, nil
	}

	call, err := findToolCall(comp.ToolCalls, req.Tool.Name)
	if err != nil {
		return nil, newError(KindResponseShape, req.Metadata, 0, err)
	}
	args := stripFences(call.Arguments)
	if !json.Valid([]byte(args)) {
		return nil, newError(KindParsing, req.Metadata, 0, fmt.Errorf("tool %s arguments are not valid JSON: %.200q", call.Name, args))
	}
	if err := validator.ValidateBytes([]byte(args)); err != nil {
		return nil, newError(KindValidation, req.Metadata, 0, err)
	}
	res.ToolName = call.Name
	res.Arguments = json.RawMessage(args)
	return res, nil
}

func findToolCall(calls []ToolCall, name string) (ToolCall, error) {
	if len(calls) == 0 {
		return ToolCall{}, fmt.Errorf("no tool call, expected %s", name)
	}
	for _, c := range calls {
		if c.Name == name {
			return c, nil
		}
	}
	return ToolCall{}, fmt.Errorf("unexpected tool %q, expected %s", calls[0].Name, name)
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func (g *Gateway) validatorFor(tool *Tool) (*schema.Validator, error) {
	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal tool %s schema: %w", tool.Name, err)
	}
	key := tool.Name + ":" + string(raw)
	if v, ok := g.validators.Load(key); ok {
		return v.(*schema.Validator), nil
	}
	v, err := schema.NewValidator(raw)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	actual, _ := g.validators.LoadOrStore(key, v)
	return actual.(*schema.Validator), nil
}

func (g *Gateway) recordAsync(md Metadata, res *Result) {
	rec := UsageRecord{
		At:               time.Now().UTC(),
		Model:            res.Model,
		Module:           md.Module,
		PromptID:         md.PromptID,
		CorrelationID:    md.CorrelationID,
		WorldID:          md.WorldID,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		EstimatedCostUSD: g.pricing.Estimate(res.Model, res.Usage),
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("usage recorder panicked", zap.Any("panic", r))
			}
		}()
		if err := g.recorder.Record(context.Background(), rec); err != nil {
			g.log.Warn("usage record failed",
				zap.String("model", rec.Model),
				logging.CorrelationID(rec.CorrelationID),
				zap.Error(err),
			)
		}
	}()
}

// Flush waits for pending usage records.
func (g *Gateway) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
