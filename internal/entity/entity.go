package entity

import (
	"sort"
	"strings"
	"time"
)

// Kind identifies the subsystem an entity belongs to.
type Kind string

const (
	KindCharacter Kind = "character"
	KindLocation  Kind = "location"
	KindFaction   Kind = "faction"
)

// Memory is something a character remembers about a beat.
type Memory struct {
	BeatIndex  int       `json:"beat_index"`
	Text       string    `json:"text"`
	Importance int       `json:"importance,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryEntry records the event and reason behind a change.
type HistoryEntry struct {
	EventID   string    `json:"event_id,omitempty"`
	BeatIndex int       `json:"beat_index"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type Entity struct {
	ID          string                 `json:"id"`
	WorldID     string                 `json:"world_id"`
	Kind        Kind                   `json:"kind"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Status      Status                 `json:"status"`
	Traits      []string               `json:"traits,omitempty"`
	Motivations []string               `json:"motivations,omitempty"`
	Memories    []Memory               `json:"memories,omitempty"`
	FactionID   string                 `json:"faction_id,omitempty"`
	LocationID  string                 `json:"location_id,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`

	// WitnessedBeats is kept sorted and free of duplicates.
	WitnessedBeats []int          `json:"witnessed_beats"`
	History        []HistoryEntry `json:"history,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func NewEntity(id, worldID string, kind Kind, name string) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:             id,
		WorldID:        worldID,
		Kind:           kind,
		Name:           name,
		Status:         DefaultStatus(kind),
		Attributes:     make(map[string]interface{}),
		WitnessedBeats: []int{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// HasWitnessed reports whether beatIndex is already in the witnessed set.
func (e *Entity) HasWitnessed(beatIndex int) bool {
	i := sort.SearchInts(e.WitnessedBeats, beatIndex)
	return i < len(e.WitnessedBeats) && e.WitnessedBeats[i] == beatIndex
}

// Witness adds beatIndex to the witnessed set. It returns false when the
// index was already present.
func (e *Entity) Witness(beatIndex int) bool {
	i := sort.SearchInts(e.WitnessedBeats, beatIndex)
	if i < len(e.WitnessedBeats) && e.WitnessedBeats[i] == beatIndex {
		return false
	}
	e.WitnessedBeats = append(e.WitnessedBeats, 0)
	copy(e.WitnessedBeats[i+1:], e.WitnessedBeats[i:])
	e.WitnessedBeats[i] = beatIndex
	e.UpdatedAt = time.Now().UTC()
	return true
}

// RecentMemories returns at most n memories, newest last.
func (e *Entity) RecentMemories(n int) []Memory {
	if n <= 0 || len(e.Memories) <= n {
		return e.Memories
	}
	return e.Memories[len(e.Memories)-n:]
}

func (e *Entity) AddHistoryEntry(eventID string, beatIndex int, reason string) {
	now := time.Now().UTC()
	e.History = append(e.History, HistoryEntry{
		EventID:   eventID,
		BeatIndex: beatIndex,
		Reason:    reason,
		Timestamp: now,
	})
	e.UpdatedAt = now
}

// Clone returns a deep copy so stored entities are never shared with callers.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Traits = append([]string(nil), e.Traits...)
	c.Motivations = append([]string(nil), e.Motivations...)
	c.Memories = append([]Memory(nil), e.Memories...)
	c.WitnessedBeats = append([]int{}, e.WitnessedBeats...)
	c.History = append([]HistoryEntry(nil), e.History...)
	c.Attributes = cloneMap(e.Attributes)
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Describe renders a one-line summary for prompts.
func (e *Entity) Describe() string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" [")
	b.WriteString(e.ID)
	b.WriteString("] status=")
	b.WriteString(string(e.Status))
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	return b.String()
}
