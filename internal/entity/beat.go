package entity

import (
	"strconv"
	"strings"
)

// Beat is one unit of story progression. It is never mutated after creation.
type Beat struct {
	ID             string   `json:"beat_id"`
	WorldID        string   `json:"world_id"`
	ArcID          string   `json:"arc_id"`
	Index          int      `json:"beat_index"`
	Summary        string   `json:"summary,omitempty"`
	Directives     []string `json:"directives,omitempty"`
	EmergentThemes []string `json:"emergent_themes,omitempty"`
}

// Prompt renders the beat as prompt context.
func (b Beat) Prompt() string {
	var sb strings.Builder
	sb.WriteString("Beat #")
	sb.WriteString(strconv.Itoa(b.Index))
	if b.ArcID != "" {
		sb.WriteString(" (arc ")
		sb.WriteString(b.ArcID)
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	if b.Summary != "" {
		sb.WriteString(b.Summary)
		sb.WriteString("\n")
	}
	if len(b.Directives) > 0 {
		sb.WriteString("Directives:\n")
		for _, d := range b.Directives {
			sb.WriteString("- ")
			sb.WriteString(d)
			sb.WriteString("\n")
		}
	}
	if len(b.EmergentThemes) > 0 {
		sb.WriteString("Emergent themes: ")
		sb.WriteString(strings.Join(b.EmergentThemes, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Payload flattens the beat into event payload fields.
func (b Beat) Payload() map[string]interface{} {
	return map[string]interface{}{
		"beat_id":         b.ID,
		"world_id":        b.WorldID,
		"arc_id":          b.ArcID,
		"beat_index":      b.Index,
		"summary":         b.Summary,
		"directives":      append([]string(nil), b.Directives...),
		"emergent_themes": append([]string(nil), b.EmergentThemes...),
	}
}

// BeatFromPayload rebuilds a beat from event payload fields. Numbers decoded
// from JSON arrive as float64 and are accepted.
func BeatFromPayload(worldID string, p map[string]interface{}) (Beat, bool) {
	b := Beat{WorldID: worldID}
	b.ID, _ = p["beat_id"].(string)
	b.ArcID, _ = p["arc_id"].(string)
	b.Summary, _ = p["summary"].(string)
	if w, ok := p["world_id"].(string); ok && w != "" {
		b.WorldID = w
	}
	switch v := p["beat_index"].(type) {
	case int:
		b.Index = v
	case int64:
		b.Index = int(v)
	case float64:
		b.Index = int(v)
	default:
		return Beat{}, false
	}
	if b.Index < 0 || b.WorldID == "" {
		return Beat{}, false
	}
	b.Directives = stringSlice(p["directives"])
	b.EmergentThemes = stringSlice(p["emergent_themes"])
	return b, true
}

func stringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
