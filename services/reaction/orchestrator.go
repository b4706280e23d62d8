package reaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multiverse-ripple/internal/config"
	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
	"multiverse-ripple/internal/logging"
	"multiverse-ripple/internal/oracle"
	"multiverse-ripple/internal/repository"
	"multiverse-ripple/internal/resolver"
)

// Deps are the collaborators shared by every orchestrator.
type Deps struct {
	Bus      *eventbus.EventBus
	Repo     repository.Repository
	Oracle   oracle.Completer
	Profiles *config.Store // nil means built-in defaults
	Logger   *zap.Logger
	Observer StageObserver
}

type tuning struct {
	enabled     bool
	temperature *float64
	maxTokens   int
	batchSize   int
	maxParallel int
	maxSpawns   int
}

func tuningFrom(p config.Profile) tuning {
	return tuning{
		enabled:     p.IsEnabled(),
		temperature: p.Temperature,
		maxTokens:   p.MaxTokens,
		batchSize:   p.BatchSize,
		maxParallel: p.MaxParallel,
		maxSpawns:   p.MaxSpawns,
	}
}

// world is the snapshot one run plans and resolves against.
type world struct {
	byKind map[entity.Kind][]*entity.Entity
	byID   map[string]*entity.Entity
	index  map[entity.Kind]*resolver.Index
}

func loadWorld(ctx context.Context, repo repository.Repository, worldID string) (*world, error) {
	all, err := repo.FindByWorldID(ctx, worldID, "")
	if err != nil {
		return nil, err
	}
	w := &world{
		byKind: make(map[entity.Kind][]*entity.Entity),
		byID:   make(map[string]*entity.Entity, len(all)),
		index:  make(map[entity.Kind]*resolver.Index),
	}
	for _, e := range all {
		w.byKind[e.Kind] = append(w.byKind[e.Kind], e)
		w.byID[e.ID] = e
	}
	for _, kind := range []entity.Kind{entity.KindCharacter, entity.KindLocation, entity.KindFaction} {
		w.index[kind] = resolver.NewIndex(w.byKind[kind])
	}
	return w, nil
}

// lookup resolves ref to an entity of kind present in the snapshot.
func (w *world) lookup(kind entity.Kind, ref string) (*entity.Entity, bool) {
	id, ok := w.index[kind].Resolve(ref)
	if !ok {
		return nil, false
	}
	e, ok := w.byID[id]
	if !ok || e.Kind != kind {
		return nil, false
	}
	return e, true
}

func (w *world) name(id string) string {
	if e, ok := w.byID[id]; ok {
		return e.Name
	}
	return ""
}

// unit is one planner call. Units of the same batch run together.
type unit struct {
	name string
	plan func(ctx context.Context) (Outcome, error)
}

// subsystem is the per-kind part of an orchestrator.
type subsystem interface {
	kind() entity.Kind
	topics() []string
	// trigger maps an incoming event to a trigger; ok=false means the
	// event is not relevant to this subsystem.
	trigger(ev eventbus.Event) (trig Trigger, ok bool, err error)
	batches(trig Trigger, w *world, t tuning) [][]unit
}

type Orchestrator struct {
	sub      subsystem
	bus      *eventbus.EventBus
	repo     repository.Repository
	gate     *Gate
	profiles *config.Store
	log      *zap.Logger
	observer StageObserver
	source   string
}

func newOrchestrator(newSub func(*Planner) subsystem, d Deps) *Orchestrator {
	sub := newSub(NewPlanner(d.Oracle))
	return &Orchestrator{
		sub:      sub,
		bus:      d.Bus,
		repo:     d.Repo,
		gate:     NewGate(d.Oracle),
		profiles: d.Profiles,
		log:      logging.OrNop(d.Logger).With(logging.Subsystem(string(sub.kind()))),
		observer: d.Observer,
		source:   "reaction." + string(sub.kind()),
	}
}

func (o *Orchestrator) Kind() entity.Kind { return o.sub.kind() }

func (o *Orchestrator) Topics() []string { return o.sub.topics() }

// Subscribe registers the orchestrator on its topics and returns a func
// that removes every registration.
func (o *Orchestrator) Subscribe() func() {
	var unsubs []func()
	for _, topic := range o.sub.topics() {
		unsubs = append(unsubs, o.bus.Subscribe(topic, o.source, o.HandleEvent))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleEvent is the bus handler.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev eventbus.Event) error {
	trig, ok, err := o.sub.trigger(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", o.source, err)
	}
	if !ok {
		return nil
	}
	_, err = o.React(ctx, trig)
	return err
}

// React runs the full pipeline for one trigger. Per-entity failures are
// logged and counted in the report; the returned error covers only
// failures that stop the whole run.
func (o *Orchestrator) React(ctx context.Context, trig Trigger) (Report, error) {
	kind := o.sub.kind()
	if trig.Event.Topic == "" {
		trig.Event = eventbus.NewEvent(eventbus.TopicBeatCreated, o.source, trig.Beat.WorldID, trig.Beat.Payload())
	}
	worldID := trig.WorldID()
	rep := Report{Kind: kind, WorldID: worldID, BeatIndex: trig.Beat.Index}
	log := o.log.With(
		logging.WorldID(worldID),
		logging.CorrelationID(trig.CorrelationID()),
		logging.BeatIndex(trig.Beat.Index),
		logging.Topic(trig.Event.Topic),
	)
	defer o.stage(trig, StageIdle)

	prof := tuningFrom(o.profiles.Profiles(ctx, worldID).Subsystem(string(kind)))
	if !prof.enabled {
		return o.skip(trig, rep, "subsystem disabled"), nil
	}

	w, err := loadWorld(ctx, o.repo, worldID)
	if err != nil {
		o.stage(trig, StageSkipped)
		rep.Skipped, rep.SkipReason = true, "world unavailable"
		return rep, fmt.Errorf("load world %s: %w", worldID, err)
	}
	batches := o.sub.batches(trig, w, prof)
	if len(batches) == 0 {
		log.Debug("nothing to plan")
		return o.skip(trig, rep, "nothing to plan"), nil
	}

	o.stage(trig, StageDecisionPending)
	decision, err := o.gate.Decide(ctx, trig, SubsystemContext{Kind: kind, Entities: w.byKind[kind]})
	if err != nil {
		log.Warn("decision failed, reaction skipped", zap.String("error_kind", failureKind(err)), zap.Error(err))
		return o.skip(trig, rep, "decision failed"), err
	}
	rep.Decision = &decision
	if !decision.ShouldMutate {
		log.Debug("decision: no mutation", zap.String("reasoning", decision.Reasoning))
		return o.skip(trig, rep, "decision: no mutation"), nil
	}

	o.stage(trig, StagePlanningPending)
	outcomes := o.plan(ctx, batches, prof, &rep, log)

	o.stage(trig, StageResolving)
	targets, spawns := o.resolve(outcomes, w, prof, &rep, log)

	o.stage(trig, StageApplying)
	var effects []effect
	for _, t := range targets {
		if eff := o.applyTarget(ctx, trig, t, &rep, log); eff != nil {
			effects = append(effects, *eff)
		}
	}
	created := o.spawn(ctx, trig, spawns, &rep, log)

	o.stage(trig, StageEmitting)
	o.emit(ctx, trig, effects, created, &rep, log)

	log.Info("reaction complete",
		zap.Int("units", rep.Units),
		zap.Int("failed_units", rep.FailedUnits),
		zap.Int("applied", rep.Applied),
		zap.Int("unresolved", rep.Unresolved),
		zap.Int("spawned", len(rep.Spawned)),
		zap.Int("emitted", rep.Emitted),
	)
	return rep, nil
}

func (o *Orchestrator) stage(trig Trigger, s Stage) {
	if o.observer != nil {
		o.observer(o.sub.kind(), trig, s)
	}
}

func (o *Orchestrator) skip(trig Trigger, rep Report, reason string) Report {
	o.stage(trig, StageSkipped)
	rep.Skipped = true
	rep.SkipReason = reason
	return rep
}

// plan runs every unit and waits for all of them. A failed unit is logged
// and counted; it never cancels its siblings.
func (o *Orchestrator) plan(ctx context.Context, batches [][]unit, prof tuning, rep *Report, log *zap.Logger) []Outcome {
	var (
		mu       sync.Mutex
		outcomes []Outcome
		g        errgroup.Group
	)
	g.SetLimit(prof.maxParallel)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			var members errgroup.Group
			for _, u := range batch {
				u := u
				members.Go(func() error {
					out, err := runUnit(ctx, u)
					mu.Lock()
					defer mu.Unlock()
					rep.Units++
					if err != nil {
						kind := failureKind(err)
						rep.FailedUnits++
						if rep.FailureKinds == nil {
							rep.FailureKinds = make(map[string]int)
						}
						rep.FailureKinds[kind]++
						log.Warn("planning failed", zap.String("unit", u.name), zap.String("error_kind", kind), zap.Error(err))
						return nil
					}
					outcomes = append(outcomes, out)
					return nil
				})
			}
			return members.Wait()
		})
	}
	_ = g.Wait()
	return outcomes
}

var errPlannerPanic = errors.New("planner panic")

func runUnit(ctx context.Context, u unit) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPlannerPanic, r)
		}
	}()
	return u.plan(ctx)
}

func failureKind(err error) string {
	if kind, ok := oracle.KindOf(err); ok {
		return string(kind)
	}
	if errors.Is(err, errPlannerPanic) {
		return "panic"
	}
	return "other"
}

type resolved struct {
	Instruction
	relocateID string
}

// target groups the instructions aimed at one entity.
type target struct {
	current *entity.Entity
	steps   []resolved
}

type plannedSpawn struct {
	seed       entity.Seed
	locationID string
	factionID  string
}

func (o *Orchestrator) resolve(outcomes []Outcome, w *world, prof tuning, rep *Report, log *zap.Logger) ([]*target, []plannedSpawn) {
	kind := o.sub.kind()
	var (
		order []*target
		byID  = make(map[string]*target)
	)
	for _, out := range outcomes {
		for _, ins := range out.Instructions {
			rep.Instructions++
			cur, ok := w.lookup(kind, ins.TargetRef)
			if !ok {
				rep.Unresolved++
				log.Warn("unresolved reference, instruction dropped", zap.String("reference", ins.TargetRef))
				continue
			}
			r := resolved{Instruction: ins}
			if ref := strings.TrimSpace(ins.RelocateRef); ref != "" {
				if loc, ok := w.lookup(entity.KindLocation, ref); ok {
					r.relocateID = loc.ID
				} else {
					rep.Unresolved++
					log.Warn("unresolved relocation dropped", logging.EntityID(cur.ID), zap.String("reference", ref))
				}
			}
			t, ok := byID[cur.ID]
			if !ok {
				t = &target{current: cur}
				byID[cur.ID] = t
				order = append(order, t)
			}
			t.steps = append(t.steps, r)
		}
	}

	var spawns []plannedSpawn
	seen := make(map[string]bool)
	for _, out := range outcomes {
		for _, seed := range out.Spawns {
			key := strings.ToLower(strings.TrimSpace(seed.Name))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if _, exists := w.lookup(kind, seed.Name); exists {
				log.Debug("spawn names an existing entity, skipped", zap.String("name", seed.Name))
				continue
			}
			if len(spawns) >= prof.maxSpawns {
				log.Warn("spawn cap reached, seed dropped", zap.String("name", seed.Name), zap.Int("cap", prof.maxSpawns))
				continue
			}
			seed.Kind = kind
			ps := plannedSpawn{seed: seed}
			if ref := strings.TrimSpace(seed.LocationRef); ref != "" {
				if loc, ok := w.lookup(entity.KindLocation, ref); ok {
					ps.locationID = loc.ID
				} else {
					rep.Unresolved++
					log.Warn("unresolved spawn location", zap.String("reference", ref))
				}
			}
			if ref := strings.TrimSpace(seed.FactionRef); ref != "" {
				if f, ok := w.lookup(entity.KindFaction, ref); ok {
					ps.factionID = f.ID
				} else {
					rep.Unresolved++
					log.Warn("unresolved spawn faction", zap.String("reference", ref))
				}
			}
			spawns = append(spawns, ps)
		}
	}
	return order, spawns
}

// effect is a status change worth announcing.
type effect struct {
	entity *entity.Entity
	from   entity.Status
	to     entity.Status
	reason string
}

// applyTarget claims the beat for the entity and then writes the merged
// patch. The claim comes first, so a crash between the two loses the
// mutation rather than applying it twice.
func (o *Orchestrator) applyTarget(ctx context.Context, trig Trigger, t *target, rep *Report, log *zap.Logger) *effect {
	kind := o.sub.kind()
	cur := t.current
	elog := log.With(logging.EntityID(cur.ID))

	if cur.HasWitnessed(trig.Beat.Index) {
		rep.AlreadyWitnessed++
		elog.Debug("beat already witnessed, skipped")
		return nil
	}
	if entity.IsTerminal(kind, cur.Status) {
		rep.Frozen++
		elog.Debug("terminal status, skipped", zap.String("status", string(cur.Status)))
		return nil
	}

	patch, eff := o.buildPatch(trig, cur, t.steps, rep, elog)

	claimed, err := o.repo.AppendWitnessedBeat(ctx, cur.ID, trig.Beat.Index)
	if err != nil {
		rep.Failed++
		elog.Error("witness claim failed", zap.Error(err))
		return nil
	}
	if !claimed {
		rep.AlreadyWitnessed++
		elog.Debug("beat claimed concurrently, skipped")
		return nil
	}
	updated, err := o.repo.Update(ctx, cur.ID, patch)
	if err != nil {
		rep.Failed++
		elog.Error("update failed after witness claim, mutation lost for this beat", zap.Error(err))
		return nil
	}
	rep.Applied++
	if eff == nil {
		return nil
	}
	eff.entity = updated
	return eff
}

func (o *Orchestrator) buildPatch(trig Trigger, cur *entity.Entity, steps []resolved, rep *Report, log *zap.Logger) (entity.Patch, *effect) {
	kind := o.sub.kind()
	now := time.Now().UTC()
	status := cur.Status
	var (
		patch       entity.Patch
		texts       []string
		statusWhy   string
		improvedBy  string
		newLocation string
	)
	for _, s := range steps {
		if next := s.NewStatus; next != "" && next != status {
			switch {
			case !entity.ValidStatus(kind, next):
				rep.Rejected++
				log.Warn("unknown status rejected", zap.String("status", string(next)))
			case entity.IsTerminal(kind, status):
				rep.Rejected++
				log.Warn("status change after terminal rejected", zap.String("status", string(next)))
			case entity.IsImprovement(kind, status, next) && strings.TrimSpace(s.ImprovementTrigger) == "":
				rep.Rejected++
				log.Warn("improvement without trigger rejected",
					zap.String("from", string(status)), zap.String("to", string(next)))
			default:
				if entity.IsImprovement(kind, status, next) {
					improvedBy = strings.TrimSpace(s.ImprovementTrigger)
				} else {
					improvedBy = ""
				}
				status = next
				statusWhy = s.Reason
			}
		}
		if text := strings.TrimSpace(s.AppendText); text != "" {
			texts = append(texts, text)
		}
		if mem := strings.TrimSpace(s.Memory); mem != "" {
			importance := s.MemoryImportance
			if importance <= 0 {
				importance = 5
			}
			patch.Memories = append(patch.Memories, entity.Memory{
				BeatIndex:  trig.Beat.Index,
				Text:       mem,
				Importance: importance,
				CreatedAt:  now,
			})
		}
		if s.relocateID != "" {
			newLocation = s.relocateID
		}
		reason := strings.TrimSpace(s.Reason)
		if reason == "" {
			reason = "unspecified"
		}
		patch.History = append(patch.History, entity.HistoryEntry{
			EventID:   trig.Event.EventID,
			BeatIndex: trig.Beat.Index,
			Reason:    reason,
			Timestamp: now,
		})
	}
	patch.AppendText = strings.Join(texts, " ")
	if newLocation != "" && newLocation != cur.LocationID {
		patch.LocationID = &newLocation
	}
	if status == cur.Status {
		return patch, nil
	}
	patch.Status = &status
	patch.Attributes = map[string]interface{}{
		"status_since.beat_index": trig.Beat.Index,
		"status_since.from":       string(cur.Status),
	}
	if improvedBy != "" {
		patch.Attributes["last_improvement.trigger"] = improvedBy
		patch.Attributes["last_improvement.beat_index"] = trig.Beat.Index
	} else {
		patch.RemoveAttrs = []string{"last_improvement"}
	}
	return patch, &effect{from: cur.Status, to: status, reason: statusWhy}
}

// spawn creates the planned seeds in one batch. New entities have already
// witnessed the beat that created them.
func (o *Orchestrator) spawn(ctx context.Context, trig Trigger, spawns []plannedSpawn, rep *Report, log *zap.Logger) []*entity.Entity {
	if len(spawns) == 0 {
		return nil
	}
	kind := o.sub.kind()
	created := make([]*entity.Entity, 0, len(spawns))
	for _, sp := range spawns {
		e := entity.NewEntity(uuid.NewString(), trig.WorldID(), kind, sp.seed.Name)
		e.Description = sp.seed.Description
		e.Traits = append([]string(nil), sp.seed.Traits...)
		e.Motivations = append([]string(nil), sp.seed.Motivations...)
		if entity.ValidStatus(kind, sp.seed.Status) && !entity.IsTerminal(kind, sp.seed.Status) {
			e.Status = sp.seed.Status
		}
		e.LocationID = sp.locationID
		e.FactionID = sp.factionID
		e.Witness(trig.Beat.Index)
		reason := strings.TrimSpace(sp.seed.Reason)
		if reason == "" {
			reason = "introduced by beat"
		}
		e.AddHistoryEntry(trig.Event.EventID, trig.Beat.Index, reason)
		created = append(created, e)
	}
	if err := o.repo.BatchCreate(ctx, created); err != nil {
		rep.Failed += len(created)
		log.Error("spawn batch failed", zap.Int("count", len(created)), zap.Error(err))
		return nil
	}
	for _, e := range created {
		rep.Spawned = append(rep.Spawned, e.ID)
	}
	return created
}

func (o *Orchestrator) emit(ctx context.Context, trig Trigger, effects []effect, created []*entity.Entity, rep *Report, log *zap.Logger) {
	kind := o.sub.kind()
	for _, eff := range effects {
		payload := o.entityPayload(trig, eff.entity)
		payload["old_status"] = string(eff.from)
		payload["new_status"] = string(eff.to)
		payload["reason"] = eff.reason
		topic := eventbus.TopicEntityStatusChanged
		if kind == entity.KindCharacter && eff.to == entity.StatusDead {
			topic = eventbus.TopicEntityDied
		} else {
			payload["collapse"] = entity.IsCollapse(kind, eff.from, eff.to)
		}
		o.publish(ctx, trig, topic, payload, rep, log)
	}

	if len(created) == 0 {
		return
	}
	ids := make([]string, len(created))
	for i, e := range created {
		ids[i] = e.ID
		o.publish(ctx, trig, eventbus.TopicEntityCreated, o.entityPayload(trig, e), rep, log)
	}
	batch := trig.Beat.Payload()
	batch["subsystem"] = string(kind)
	batch["entity_kind"] = string(kind)
	batch["entity_ids"] = ids
	batch["count"] = len(ids)
	o.publish(ctx, trig, eventbus.TopicEntityBatchGenerated, batch, rep, log)
}

func (o *Orchestrator) entityPayload(trig Trigger, e *entity.Entity) map[string]interface{} {
	p := trig.Beat.Payload()
	p["subsystem"] = string(o.sub.kind())
	p["entity_id"] = e.ID
	p["entity_kind"] = string(e.Kind)
	p["entity_name"] = e.Name
	p["status"] = string(e.Status)
	if e.LocationID != "" {
		p["location_id"] = e.LocationID
	}
	if e.FactionID != "" {
		p["faction_id"] = e.FactionID
	}
	return p
}

func (o *Orchestrator) publish(ctx context.Context, trig Trigger, topic string, payload map[string]interface{}, rep *Report, log *zap.Logger) {
	ev := eventbus.Derive(trig.Event, topic, o.source, payload)
	if _, err := o.bus.Publish(ctx, ev); err != nil {
		rep.Dropped++
		if errors.Is(err, eventbus.ErrCycleGuardTripped) {
			log.Warn("follow-up dropped by cycle guard", logging.Topic(topic), logging.EventID(ev.EventID))
			return
		}
		log.Error("publish failed", logging.Topic(topic), zap.Error(err))
		return
	}
	rep.Emitted++
}
