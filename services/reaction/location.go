package reaction

import (
	"context"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
)

// locations plan the whole world's locations in one call.
type locations struct {
	planner *Planner
}

func NewLocationOrchestrator(d Deps) *Orchestrator {
	return newOrchestrator(func(p *Planner) subsystem { return &locations{planner: p} }, d)
}

func (l *locations) kind() entity.Kind { return entity.KindLocation }

func (l *locations) topics() []string {
	return []string{eventbus.TopicBeatCreated, eventbus.TopicEntityDied}
}

func (l *locations) trigger(ev eventbus.Event) (Trigger, bool, error) {
	switch ev.Topic {
	case eventbus.TopicBeatCreated:
		return beatTrigger(ev)
	case eventbus.TopicEntityDied:
		return cascadeTrigger(ev, deathCause(ev))
	}
	return Trigger{}, false, nil
}

func (l *locations) batches(trig Trigger, w *world, t tuning) [][]unit {
	return batchForm(l.planner, entity.KindLocation, trig, w, t)
}

// batchForm is the single-call plan shared by locations and factions.
func batchForm(p *Planner, kind entity.Kind, trig Trigger, w *world, t tuning) [][]unit {
	entities := w.byKind[kind]
	return [][]unit{{{
		name: string(kind) + ".batch",
		plan: func(ctx context.Context) (Outcome, error) {
			return p.PlanBatch(ctx, trig, kind, entities, t)
		},
	}}}
}
