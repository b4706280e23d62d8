package reaction

import (
	"context"
	"fmt"
	"strings"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/oracle"
)

const characterToolName = "react_character"

func batchToolName(kind entity.Kind) string {
	return "plan_" + string(kind) + "_mutations"
}

// statusSchema accepts the ladder for kind. The empty string means no
// change; models often send it instead of omitting the field.
func statusSchema(kind entity.Kind) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": append(entity.StatusStrings(kind), "")}
}

func stringArray() map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
}

func spawnSchema(kind entity.Kind) map[string]interface{} {
	props := map[string]interface{}{
		"name":        map[string]interface{}{"type": "string", "minLength": 1},
		"description": map[string]interface{}{"type": "string"},
		"status":      statusSchema(kind),
		"reason":      map[string]interface{}{"type": "string"},
	}
	switch kind {
	case entity.KindCharacter:
		props["traits"] = stringArray()
		props["motivations"] = stringArray()
		props["location_ref"] = map[string]interface{}{"type": "string"}
		props["faction_ref"] = map[string]interface{}{"type": "string"}
	case entity.KindFaction:
		props["motivations"] = stringArray()
		props["location_ref"] = map[string]interface{}{"type": "string"}
	}
	return map[string]interface{}{
		"type":  "array",
		"items": map[string]interface{}{"type": "object", "properties": props, "required": []string{"name"}},
	}
}

func batchTool(kind entity.Kind) *oracle.Tool {
	mutation := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target":              map[string]interface{}{"type": "string", "minLength": 1},
			"new_status":          statusSchema(kind),
			"append_text":         map[string]interface{}{"type": "string"},
			"reason":              map[string]interface{}{"type": "string", "minLength": 1},
			"improvement_trigger": map[string]interface{}{"type": "string"},
		},
		"required": []string{"target", "reason"},
	}
	return &oracle.Tool{
		Name:        batchToolName(kind),
		Description: fmt.Sprintf("List the %s mutations caused by the beat.", kind),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"mutations": map[string]interface{}{"type": "array", "items": mutation},
				"spawns":    spawnSchema(kind),
			},
			"required": []string{"mutations"},
		},
	}
}

var characterTool = &oracle.Tool{
	Name:        characterToolName,
	Description: "Describe how the beat affects this character.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"affected":            map[string]interface{}{"type": "boolean"},
			"reasoning":           map[string]interface{}{"type": "string"},
			"new_status":          statusSchema(entity.KindCharacter),
			"append_text":         map[string]interface{}{"type": "string"},
			"reason":              map[string]interface{}{"type": "string"},
			"memory":              map[string]interface{}{"type": "string"},
			"memory_importance":   map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10},
			"relocate_to":         map[string]interface{}{"type": "string"},
			"improvement_trigger": map[string]interface{}{"type": "string"},
			"spawns":              spawnSchema(entity.KindCharacter),
		},
		"required": []string{"affected", "reasoning"},
	},
}

type seedArgs struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Reason      string   `json:"reason"`
	Traits      []string `json:"traits"`
	Motivations []string `json:"motivations"`
	LocationRef string   `json:"location_ref"`
	FactionRef  string   `json:"faction_ref"`
}

func (s seedArgs) seed(kind entity.Kind) entity.Seed {
	return entity.Seed{
		Kind:        kind,
		Name:        strings.TrimSpace(s.Name),
		Description: s.Description,
		Status:      entity.Status(s.Status),
		Traits:      s.Traits,
		Motivations: s.Motivations,
		LocationRef: s.LocationRef,
		FactionRef:  s.FactionRef,
		Reason:      s.Reason,
	}
}

type batchArgs struct {
	Mutations []Instruction `json:"mutations"`
	Spawns    []seedArgs    `json:"spawns"`
}

type characterArgs struct {
	Affected           bool       `json:"affected"`
	Reasoning          string     `json:"reasoning"`
	NewStatus          string     `json:"new_status"`
	AppendText         string     `json:"append_text"`
	Reason             string     `json:"reason"`
	Memory             string     `json:"memory"`
	MemoryImportance   int        `json:"memory_importance"`
	RelocateTo         string     `json:"relocate_to"`
	ImprovementTrigger string     `json:"improvement_trigger"`
	Spawns             []seedArgs `json:"spawns"`
}

// Planner turns a trigger into mutation instructions through the oracle.
type Planner struct {
	oracle oracle.Completer
}

func NewPlanner(c oracle.Completer) *Planner {
	return &Planner{oracle: c}
}

// PlanBatch makes one call covering every entity of kind.
func (p *Planner) PlanBatch(ctx context.Context, trig Trigger, kind entity.Kind, entities []*entity.Entity, prof tuning) (Outcome, error) {
	system, user := batchPrompts(kind, trig, entities, prof.maxSpawns)
	req := oracle.Request{
		Messages:    []oracle.Message{oracle.System(system), oracle.User(user)},
		Tool:        batchTool(kind),
		Temperature: prof.temperature,
		MaxTokens:   prof.maxTokens,
		Metadata:    metadata(kind, "plan", trig),
	}
	args, err := oracle.Decode[batchArgs](ctx, p.oracle, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("plan %s: %w", kind, err)
	}
	out := Outcome{Affected: len(args.Mutations) > 0 || len(args.Spawns) > 0}
	out.Instructions = args.Mutations
	for _, s := range args.Spawns {
		out.Spawns = append(out.Spawns, s.seed(kind))
	}
	return out, nil
}

// PlanCharacter makes one call for a single character. An unaffected
// character yields an empty outcome.
func (p *Planner) PlanCharacter(ctx context.Context, trig Trigger, cc characterContext, prof tuning) (Outcome, error) {
	system, user := characterPrompts(trig, cc)
	md := metadata(entity.KindCharacter, "react", trig)
	md.Extra["entity_id"] = cc.Character.ID
	req := oracle.Request{
		Messages:    []oracle.Message{oracle.System(system), oracle.User(user)},
		Tool:        characterTool,
		Temperature: prof.temperature,
		MaxTokens:   prof.maxTokens,
		Metadata:    md,
	}
	args, err := oracle.Decode[characterArgs](ctx, p.oracle, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("react %s: %w", cc.Character.ID, err)
	}
	out := Outcome{Affected: args.Affected, Reasoning: args.Reasoning}
	if !args.Affected {
		return out, nil
	}
	reason := strings.TrimSpace(args.Reason)
	if reason == "" {
		reason = args.Reasoning
	}
	out.Instructions = []Instruction{{
		TargetRef:          cc.Character.ID,
		NewStatus:          entity.Status(args.NewStatus),
		AppendText:         args.AppendText,
		Reason:             reason,
		ImprovementTrigger: args.ImprovementTrigger,
		RelocateRef:        args.RelocateTo,
		Memory:             args.Memory,
		MemoryImportance:   args.MemoryImportance,
	}}
	for _, s := range args.Spawns {
		out.Spawns = append(out.Spawns, s.seed(entity.KindCharacter))
	}
	return out, nil
}
