// Package eventbus dispatches domain events to in-process subscribers and
// bridges selected topics to Kafka.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"multiverse-ripple/internal/logging"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrCycleGuardTripped is returned by Publish when an event would be
	// dispatched beyond the hop ceiling of its causal chain.
	ErrCycleGuardTripped = errors.New("eventbus: cycle guard tripped")
	ErrMissingTopic      = errors.New("eventbus: event has no topic")
)

// Handler processes one event. Each invocation runs on its own goroutine.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	maxHop   int
	log      *zap.Logger
	inflight sync.WaitGroup
}

type Option func(*EventBus)

// WithMaxHop sets the hop ceiling. Values below 1 are ignored.
func WithMaxHop(n int) Option {
	return func(b *EventBus) {
		if n >= 1 {
			b.maxHop = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *EventBus) { b.log = logging.OrNop(l) }
}

func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs:   make(map[string][]subscription),
		maxHop: DefaultMaxHop,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EventBus) MaxHop() int { return b.maxHop }

// Subscribe registers handler for topic and returns a function that removes it.
func (b *EventBus) Subscribe(topic, name string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, name: name, handler: handler})
	b.mu.Unlock()
	b.log.Debug("subscribed", logging.Topic(topic), zap.String("subscriber", name))

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, s := range subs {
			if s.id == id {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *EventBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish dispatches ev to every subscriber of ev.Topic and returns without
// waiting for them. The dispatch hop is one more than the larger of ev.Hop
// and the hop carried by ctx, so events published from inside a handler
// always continue that handler's chain.
func (b *EventBus) Publish(ctx context.Context, ev Event) ([]*Handle, error) {
	if ev.Topic == "" {
		return nil, ErrMissingTopic
	}
	hop := ev.Hop
	if ctxHop, ok := HopFromContext(ctx); ok && ctxHop > hop {
		hop = ctxHop
	}
	hop++
	if hop > b.maxHop {
		b.log.Warn("cycle guard tripped, event dropped",
			logging.Topic(ev.Topic),
			logging.EventID(ev.EventID),
			logging.WorldID(ev.WorldID),
			logging.CorrelationID(ev.CorrelationID),
			logging.Hop(hop),
			zap.Int("max_hop", b.maxHop),
		)
		return nil, fmt.Errorf("%w: topic %s hop %d exceeds %d", ErrCycleGuardTripped, ev.Topic, hop, b.maxHop)
	}
	ev.Hop = hop
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.EventID
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Topic]...)
	b.mu.RUnlock()

	// Handlers outlive the publisher's request; only values are inherited.
	base := context.WithoutCancel(ctx)
	handles := make([]*Handle, 0, len(subs))
	for _, s := range subs {
		h := newHandle(s.name, ev.Topic)
		handles = append(handles, h)
		b.inflight.Add(1)
		go b.run(base, s, ev.clone(), h)
	}
	return handles, nil
}

func (b *EventBus) run(ctx context.Context, s subscription, ev Event, h *Handle) {
	defer b.inflight.Done()
	err := invoke(withHop(ctx, ev.Hop), s.handler, ev)
	if err != nil {
		b.log.Error("event handler failed",
			logging.Topic(ev.Topic),
			logging.EventID(ev.EventID),
			logging.WorldID(ev.WorldID),
			logging.CorrelationID(ev.CorrelationID),
			logging.Hop(ev.Hop),
			zap.String("subscriber", s.name),
			zap.Strings("payload_keys", ev.payloadKeys()),
			zap.Error(err),
		)
	}
	h.finish(err)
}

func invoke(ctx context.Context, handler Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

// Drain blocks until every in-flight handler, including ones started by
// nested publishes, has returned or ctx is done.
func (b *EventBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle tracks one handler invocation.
type Handle struct {
	Subscriber string
	Topic      string

	done chan struct{}
	err  error
}

func newHandle(subscriber, topic string) *Handle {
	return &Handle{Subscriber: subscriber, Topic: topic, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait returns the handler's error once it completes.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every handle and combines their errors.
func WaitAll(ctx context.Context, handles []*Handle) error {
	var err error
	for _, h := range handles {
		if werr := h.Wait(ctx); werr != nil {
			err = multierr.Append(err, fmt.Errorf("%s on %s: %w", h.Subscriber, h.Topic, werr))
		}
	}
	return err
}

type hopKey struct{}

func withHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, hopKey{}, hop)
}

// HopFromContext returns the hop of the event whose handler owns ctx.
func HopFromContext(ctx context.Context) (int, bool) {
	hop, ok := ctx.Value(hopKey{}).(int)
	return hop, ok
}
