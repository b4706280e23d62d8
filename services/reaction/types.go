// Package reaction turns beats into entity mutations. One Orchestrator runs
// per subsystem (characters, locations, factions); each asks the oracle
// whether a beat concerns it, plans mutations, resolves references, applies
// them once per entity and beat, and announces what changed on the bus.
package reaction

import (
	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
)

// Trigger is what an orchestrator reacts to: a beat, the event that carried
// it, and for cascades a short description of the upstream change.
type Trigger struct {
	Beat  entity.Beat
	Event eventbus.Event
	Cause string
}

func (t Trigger) CorrelationID() string {
	switch {
	case t.Event.CorrelationID != "":
		return t.Event.CorrelationID
	case t.Event.EventID != "":
		return t.Event.EventID
	}
	return t.Beat.ID
}

func (t Trigger) WorldID() string {
	if t.Beat.WorldID != "" {
		return t.Beat.WorldID
	}
	return t.Event.WorldID
}

// Instruction is one planned mutation. TargetRef and RelocateRef are
// unresolved references until the resolving stage.
type Instruction struct {
	TargetRef          string        `json:"target"`
	NewStatus          entity.Status `json:"new_status,omitempty"`
	AppendText         string        `json:"append_text,omitempty"`
	Reason             string        `json:"reason"`
	ImprovementTrigger string        `json:"improvement_trigger,omitempty"`
	RelocateRef        string        `json:"relocate_to,omitempty"`
	Memory             string        `json:"memory,omitempty"`
	MemoryImportance   int           `json:"memory_importance,omitempty"`
}

// Outcome is the result of one planning unit. Affected=false with no
// instructions is a valid answer, not an error.
type Outcome struct {
	Affected     bool
	Reasoning    string
	Instructions []Instruction
	Spawns       []entity.Seed
}

type Stage string

const (
	StageIdle            Stage = "idle"
	StageDecisionPending Stage = "decision_pending"
	StageSkipped         Stage = "skipped"
	StagePlanningPending Stage = "planning_pending"
	StageResolving       Stage = "resolving"
	StageApplying        Stage = "applying"
	StageEmitting        Stage = "emitting"
)

// StageObserver is told about every stage transition of a run. It is called
// synchronously from the run's goroutine and must not block.
type StageObserver func(kind entity.Kind, trig Trigger, stage Stage)

// Report summarizes one run.
type Report struct {
	Kind       entity.Kind
	WorldID    string
	BeatIndex  int
	Skipped    bool
	SkipReason string
	Decision   *Decision

	Units       int
	FailedUnits int
	// FailureKinds counts failed units by gateway error kind, or "panic"
	// and "other" for failures outside the gateway.
	FailureKinds map[string]int

	Instructions     int
	Unresolved       int
	Applied          int
	AlreadyWitnessed int
	Frozen           int
	Rejected         int
	Failed           int

	Spawned []string
	Emitted int
	Dropped int
}
