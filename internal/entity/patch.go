package entity

import (
	"strings"
	"time"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status      *Status                `json:"status,omitempty"`
	AppendText  string                 `json:"append_text,omitempty"`
	Memories    []Memory               `json:"memories,omitempty"`
	LocationID  *string                `json:"location_id,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	RemoveAttrs []string               `json:"remove_attrs,omitempty"`
	History     []HistoryEntry         `json:"history,omitempty"`
}

// Apply mutates e in place.
func (e *Entity) Apply(p Patch) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if text := strings.TrimSpace(p.AppendText); text != "" {
		if e.Description == "" {
			e.Description = text
		} else {
			e.Description = e.Description + " " + text
		}
	}
	e.Memories = append(e.Memories, p.Memories...)
	if p.LocationID != nil {
		e.LocationID = *p.LocationID
	}
	for path, value := range p.Attributes {
		e.Set(path, value)
	}
	for _, path := range p.RemoveAttrs {
		e.Remove(path)
	}
	e.History = append(e.History, p.History...)
	e.UpdatedAt = time.Now().UTC()
}

// Seed describes an entity to spawn. References are unresolved names or IDs.
type Seed struct {
	Kind        Kind     `json:"kind"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status,omitempty"`
	Traits      []string `json:"traits,omitempty"`
	Motivations []string `json:"motivations,omitempty"`
	LocationRef string   `json:"location_ref,omitempty"`
	FactionRef  string   `json:"faction_ref,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}
