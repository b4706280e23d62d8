package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event is the unit dispatched on the bus. Handlers receive their own copy.
type Event struct {
	EventID       string                 `json:"event_id"`
	Topic         string                 `json:"topic"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	WorldID       string                 `json:"world_id"`
	CorrelationID string                 `json:"correlation_id"`
	Hop           int                    `json:"hop"`
	Payload       map[string]interface{} `json:"payload"`
}

// NewEvent creates a root event (hop 0). Its correlation id is its own id.
func NewEvent(topic, source, worldID string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	id := uuid.NewString()
	return Event{
		EventID:       id,
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		WorldID:       worldID,
		CorrelationID: id,
		Payload:       payload,
	}
}

// Derive creates a follow-up of parent. The hop is carried over unchanged;
// the bus increments it on dispatch.
func Derive(parent Event, topic, source string, payload map[string]interface{}) Event {
	ev := NewEvent(topic, source, parent.WorldID, payload)
	ev.Hop = parent.Hop
	ev.CorrelationID = parent.CorrelationID
	if ev.CorrelationID == "" {
		ev.CorrelationID = parent.EventID
	}
	return ev
}

func (e Event) clone() Event {
	c := e
	c.Payload = make(map[string]interface{}, len(e.Payload)+2)
	for k, v := range e.Payload {
		c.Payload[k] = copyValue(v)
	}
	c.Payload["world_id"] = e.WorldID
	c.Payload["hop"] = e.Hop
	return c
}

// copyValue deep-copies the container types payloads are built from.
func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, inner := range t {
			m[k] = copyValue(inner)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = copyValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, inner := range t {
			out[i] = copyValue(inner).(map[string]interface{})
		}
		return out
	default:
		return v
	}
}

func (e Event) payloadKeys() []string {
	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	return keys
}
