package reaction

import (
	"context"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
)

// characters plans one call per character. Characters are grouped by
// faction and each group is cut into batches of batchSize; batches run in
// parallel up to maxParallel and members of a batch run together.
type characters struct {
	planner *Planner
}

func NewCharacterOrchestrator(d Deps) *Orchestrator {
	return newOrchestrator(func(p *Planner) subsystem { return &characters{planner: p} }, d)
}

func (c *characters) kind() entity.Kind { return entity.KindCharacter }

func (c *characters) topics() []string {
	return []string{eventbus.TopicBeatCreated, eventbus.TopicEntityStatusChanged}
}

func (c *characters) trigger(ev eventbus.Event) (Trigger, bool, error) {
	switch ev.Topic {
	case eventbus.TopicBeatCreated:
		return beatTrigger(ev)
	case eventbus.TopicEntityStatusChanged:
		cause, ok := collapseCause(ev)
		if !ok {
			return Trigger{}, false, nil
		}
		return cascadeTrigger(ev, cause)
	}
	return Trigger{}, false, nil
}

func (c *characters) batches(trig Trigger, w *world, t tuning) [][]unit {
	var groupOrder []string
	groups := make(map[string][]*entity.Entity)
	for _, ch := range w.byKind[entity.KindCharacter] {
		// Skipping here saves the oracle call; applying would skip them anyway.
		if ch.HasWitnessed(trig.Beat.Index) || entity.IsTerminal(entity.KindCharacter, ch.Status) {
			continue
		}
		if _, ok := groups[ch.FactionID]; !ok {
			groupOrder = append(groupOrder, ch.FactionID)
		}
		groups[ch.FactionID] = append(groups[ch.FactionID], ch)
	}

	var out [][]unit
	for _, faction := range groupOrder {
		members := groups[faction]
		for start := 0; start < len(members); start += t.batchSize {
			end := min(start+t.batchSize, len(members))
			batch := make([]unit, 0, end-start)
			for _, ch := range members[start:end] {
				cc := characterContext{
					Character:    ch,
					FactionName:  w.name(ch.FactionID),
					LocationName: w.name(ch.LocationID),
					Locations:    w.byKind[entity.KindLocation],
					MaxSpawns:    t.maxSpawns,
				}
				batch = append(batch, unit{
					name: ch.ID,
					plan: func(ctx context.Context) (Outcome, error) {
						return c.planner.PlanCharacter(ctx, trig, cc, t)
					},
				})
			}
			out = append(out, batch)
		}
	}
	return out
}
