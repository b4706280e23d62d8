package reaction

import (
	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
)

type factions struct {
	planner *Planner
}

func NewFactionOrchestrator(d Deps) *Orchestrator {
	return newOrchestrator(func(p *Planner) subsystem { return &factions{planner: p} }, d)
}

func (f *factions) kind() entity.Kind { return entity.KindFaction }

func (f *factions) topics() []string {
	return []string{eventbus.TopicBeatCreated, eventbus.TopicEntityDied}
}

func (f *factions) trigger(ev eventbus.Event) (Trigger, bool, error) {
	switch ev.Topic {
	case eventbus.TopicBeatCreated:
		return beatTrigger(ev)
	case eventbus.TopicEntityDied:
		return cascadeTrigger(ev, deathCause(ev))
	}
	return Trigger{}, false, nil
}

func (f *factions) batches(trig Trigger, w *world, t tuning) [][]unit {
	return batchForm(f.planner, entity.KindFaction, trig, w, t)
}
