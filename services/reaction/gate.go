package reaction

import (
	"context"
	"fmt"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/oracle"
)

// Decision is the gate's verdict for one subsystem and trigger.
type Decision struct {
	Reasoning    string `json:"reasoning"`
	ShouldMutate bool   `json:"should_mutate"`
}

// SubsystemContext is what the gate sees of a subsystem.
type SubsystemContext struct {
	Kind     entity.Kind
	Entities []*entity.Entity
}

const decisionToolName = "decide_mutation"

var decisionTool = &oracle.Tool{
	Name:        decisionToolName,
	Description: "Decide whether the beat changes this subsystem.",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reasoning":     map[string]interface{}{"type": "string", "minLength": 1},
			"should_mutate": map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"reasoning", "should_mutate"},
	},
}

// Gate is a cheap pre-filter in front of the planner. A false verdict is
// advisory: it only skips planning for that subsystem and trigger.
type Gate struct {
	oracle      oracle.Completer
	temperature float64
}

func NewGate(c oracle.Completer) *Gate {
	return &Gate{oracle: c, temperature: 0.2}
}

// Decide makes exactly one oracle call.
func (g *Gate) Decide(ctx context.Context, trig Trigger, sc SubsystemContext) (Decision, error) {
	system, user := decisionPrompts(sc.Kind, trig, sc.Entities)
	req := oracle.Request{
		Messages:    []oracle.Message{oracle.System(system), oracle.User(user)},
		Tool:        decisionTool,
		Temperature: oracle.Temperature(g.temperature),
		MaxTokens:   300,
		Metadata:    metadata(sc.Kind, "decision", trig),
	}
	d, err := oracle.Decode[Decision](ctx, g.oracle, req)
	if err != nil {
		return Decision{}, fmt.Errorf("%s decision: %w", sc.Kind, err)
	}
	return d, nil
}

func metadata(kind entity.Kind, prompt string, trig Trigger) oracle.Metadata {
	md := oracle.Metadata{
		Module:        "reaction." + string(kind),
		PromptID:      string(kind) + "." + prompt,
		CorrelationID: trig.CorrelationID(),
		WorldID:       trig.WorldID(),
		Extra: map[string]string{
			"beat_index": fmt.Sprint(trig.Beat.Index),
		},
	}
	if trig.Event.Topic != "" {
		md.Extra["trigger_topic"] = trig.Event.Topic
	}
	return md
}
