package eventbus

import (
	"fmt"
	"sync"

	"multiverse-ripple/internal/schema"
)

// envelopeSchema describes events arriving from outside the process.
var envelopeSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"event_id":       map[string]interface{}{"type": "string", "format": "event_id"},
		"correlation_id": map[string]interface{}{"type": "string", "format": "event_id"},
		"topic":          map[string]interface{}{"type": "string", "minLength": 1},
		"world_id":       map[string]interface{}{"type": "string", "format": "entity_id"},
		"hop":            map[string]interface{}{"type": "integer", "minimum": 0},
		"payload":        map[string]interface{}{"type": "object"},
	},
	"required": []interface{}{"event_id", "correlation_id", "topic", "world_id", "payload"},
}

var (
	envelopeOnce      sync.Once
	envelopeValidator *schema.Validator
	envelopeErr       error
)

// ValidateEnvelope checks the identifiers of an inbound event: event and
// correlation ids must be UUIDs and the world id a UUID or semantic id.
func ValidateEnvelope(ev Event) error {
	envelopeOnce.Do(func() {
		schema.RegisterCustomFormats()
		envelopeValidator, envelopeErr = schema.NewValidatorFromMap(envelopeSchema)
	})
	if envelopeErr != nil {
		return fmt.Errorf("envelope schema: %w", envelopeErr)
	}
	if err := envelopeValidator.Validate(ev); err != nil {
		return fmt.Errorf("event %q: %w", ev.EventID, err)
	}
	return nil
}
