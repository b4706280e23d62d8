package reaction

import (
	"fmt"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
)

func beatTrigger(ev eventbus.Event) (Trigger, bool, error) {
	beat, ok := entity.BeatFromPayload(ev.WorldID, ev.Payload)
	if !ok {
		return Trigger{}, false, fmt.Errorf("malformed beat payload on %s event %s", ev.Topic, ev.EventID)
	}
	return Trigger{Beat: beat, Event: ev}, true, nil
}

// cascadeTrigger rebuilds the beat carried by a follow-up event.
func cascadeTrigger(ev eventbus.Event, cause string) (Trigger, bool, error) {
	trig, _, err := beatTrigger(ev)
	if err != nil {
		return Trigger{}, false, err
	}
	trig.Cause = cause
	return trig, true, nil
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

// collapseCause describes a location or faction collapse.
func collapseCause(ev eventbus.Event) (string, bool) {
	if collapse, _ := ev.Payload["collapse"].(bool); !collapse {
		return "", false
	}
	kind := entity.Kind(payloadString(ev.Payload, "entity_kind"))
	if kind != entity.KindLocation && kind != entity.KindFaction {
		return "", false
	}
	return fmt.Sprintf("The %s %s fell from %s to %s. %s",
		kind,
		payloadString(ev.Payload, "entity_name"),
		payloadString(ev.Payload, "old_status"),
		payloadString(ev.Payload, "new_status"),
		payloadString(ev.Payload, "reason"),
	), true
}

func deathCause(ev eventbus.Event) string {
	return fmt.Sprintf("The character %s died. %s",
		payloadString(ev.Payload, "entity_name"),
		payloadString(ev.Payload, "reason"),
	)
}
