package reaction

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"multiverse-ripple/internal/config"
	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
	"multiverse-ripple/internal/oracle"
	"multiverse-ripple/internal/repository"
)

const worldID = "w1"

// responder returns tool arguments for a request.
type responder func(req oracle.Request) (string, error)

// fakeProvider answers every request with a tool call built by respond.
type fakeProvider struct {
	respond responder

	mu       sync.Mutex
	requests []oracle.Request
}

func (p *fakeProvider) Complete(_ context.Context, req oracle.Request) (*oracle.Completion, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	args, err := p.respond(req)
	if err != nil {
		return nil, err
	}
	return &oracle.Completion{
		Model:     "fake",
		ToolCalls: []oracle.ToolCall{{ID: "call-1", Name: req.Tool.Name, Arguments: args}},
		Usage:     oracle.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

// Calls counts requests by prompt id.
func (p *fakeProvider) Calls(promptID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if r.Metadata.PromptID == promptID {
			n++
		}
	}
	return n
}

func (p *fakeProvider) Requests(promptID string) []oracle.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []oracle.Request
	for _, r := range p.requests {
		if r.Metadata.PromptID == promptID {
			out = append(out, r)
		}
	}
	return out
}

// countingRepo counts writes on top of a real repository.
type countingRepo struct {
	repository.Repository
	updates atomic.Int32
	claims  atomic.Int32
}

func (r *countingRepo) Update(ctx context.Context, id string, p entity.Patch) (*entity.Entity, error) {
	r.updates.Add(1)
	return r.Repository.Update(ctx, id, p)
}

func (r *countingRepo) AppendWitnessedBeat(ctx context.Context, id string, idx int) (bool, error) {
	r.claims.Add(1)
	return r.Repository.AppendWitnessedBeat(ctx, id, idx)
}

func seedWorld() []*entity.Entity {
	pact := entity.NewEntity("f-pact", worldID, entity.KindFaction, "Iron Pact")

	lake := entity.NewEntity("l-lake", worldID, entity.KindLocation, "Crystal Lake")
	keep := entity.NewEntity("l-keep", worldID, entity.KindLocation, "Ashfall Keep")
	keep.Status = entity.StatusThriving

	mira := entity.NewEntity("c-mira", worldID, entity.KindCharacter, "Mira")
	mira.FactionID, mira.LocationID = pact.ID, lake.ID
	mira.Traits = []string{"stubborn"}
	arlen := entity.NewEntity("c-arlen", worldID, entity.KindCharacter, "Arlen")
	arlen.FactionID, arlen.LocationID = pact.ID, lake.ID
	tova := entity.NewEntity("c-tova", worldID, entity.KindCharacter, "Tova")
	tova.LocationID = keep.ID

	return []*entity.Entity{pact, lake, keep, mira, arlen, tova}
}

func testBeat() entity.Beat {
	return entity.Beat{
		ID:         "beat-3",
		WorldID:    worldID,
		ArcID:      "arc-1",
		Index:      3,
		Summary:    "The dam above Crystal Lake bursts during the night.",
		Directives: []string{"raise the stakes"},
	}
}

type harness struct {
	bus      *eventbus.EventBus
	repo     *countingRepo
	provider *fakeProvider
	deps     Deps

	mu     sync.Mutex
	events []eventbus.Event
}

func newHarness(t *testing.T, respond responder, opts ...eventbus.Option) *harness {
	t.Helper()
	h := &harness{
		bus:      eventbus.NewEventBus(opts...),
		repo:     &countingRepo{Repository: repository.NewMemory(seedWorld()...)},
		provider: &fakeProvider{respond: respond},
	}
	gw := oracle.NewGateway(h.provider, oracle.WithRetryPolicy(oracle.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}))
	h.deps = Deps{
		Bus:      h.bus,
		Repo:     h.repo,
		Oracle:   gw,
		Profiles: config.NewStore(nil, "", config.DefaultProfiles(), nil),
	}
	for _, topic := range eventbus.ProducedTopics {
		h.bus.Subscribe(topic, "recorder", func(_ context.Context, ev eventbus.Event) error {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
			return nil
		})
	}
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.bus.Drain(ctx))
}

func (h *harness) Events(topic string) []eventbus.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range h.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) entity(t *testing.T, id string) *entity.Entity {
	t.Helper()
	e, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return e
}

// script routes requests by prompt id. Unknown prompts answer with a
// negative decision or an empty plan.
type script map[string]responder

func (s script) respond(req oracle.Request) (string, error) {
	if r, ok := s[req.Metadata.PromptID]; ok {
		return r(req)
	}
	switch req.Tool.Name {
	case decisionToolName:
		return `{"reasoning":"not relevant","should_mutate":false}`, nil
	case characterToolName:
		return `{"affected":false,"reasoning":"untouched"}`, nil
	}
	return `{"mutations":[]}`, nil
}

func fixed(args string) responder {
	return func(oracle.Request) (string, error) { return args, nil }
}

const yes = `{"reasoning":"the flood reaches it","should_mutate":true}`
