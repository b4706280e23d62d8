package reaction

import (
	"fmt"
	"strings"

	"multiverse-ripple/internal/entity"
)

var subsystemNouns = map[entity.Kind]string{
	entity.KindCharacter: "characters",
	entity.KindLocation:  "locations",
	entity.KindFaction:   "factions",
}

func ladderText(kind entity.Kind) string {
	ladder := entity.StatusStrings(kind)
	if kind == entity.KindCharacter {
		// missing is listed separately, it has no rank.
		return strings.Join(ladder[:len(ladder)-1], " → ") + " (or missing)"
	}
	return strings.Join(ladder, " → ")
}

const mutationRules = `
• Status follows the decay order above. Move one step at a time; skip steps only for dramatic events.
• Never move a status back up the ladder unless the beat contains an explicit positive trigger, and name it in improvement_trigger.
• Declare death, ruin or dissolution only when the beat clearly indicates or strongly implies it. Never infer it from ambiguous text.
• Spawn new entities sparingly (1 to 3) and only when the beat narratively requires new actors.
• Every mutation needs a reason.
• Refer to entities by their exact name or id as listed.`

func decisionPrompts(kind entity.Kind, trig Trigger, entities []*entity.Entity) (string, string) {
	noun := subsystemNouns[kind]
	system := strings.TrimSpace(`
You are the continuity keeper for the ` + noun + ` of a living story world.
Decide whether the beat below warrants any change to the ` + noun + `.
A beat that only contains dialogue or mood rarely changes them.

Answer by calling decide_mutation. Keep reasoning to one or two sentences.`)

	user := strings.TrimSpace(`
### BEAT
` + trig.Beat.Prompt() + causeSection(trig) + `
### CURRENT ` + strings.ToUpper(noun) + `
` + roster(entities) + `

### TASK
Does this beat change the state of any of these ` + noun + `, or require a new one?`)
	return system, user
}

func batchPrompts(kind entity.Kind, trig Trigger, entities []*entity.Entity, maxSpawns int) (string, string) {
	noun := subsystemNouns[kind]
	system := strings.TrimSpace(`
You maintain the ` + noun + ` of a living story world. Given a beat, list the mutations it causes.

### STATUS ORDER
` + ladderText(kind) + `

### RULES
` + strings.TrimSpace(mutationRules) + `
• At most ` + fmt.Sprint(maxSpawns) + ` spawns.
• Leave mutations empty when nothing changes.

Answer by calling ` + batchToolName(kind) + `.`)

	user := strings.TrimSpace(`
### BEAT
` + trig.Beat.Prompt() + causeSection(trig) + `
### ` + strings.ToUpper(noun) + `
` + roster(entities))
	return system, user
}

// characterContext is what a single character knows about itself.
type characterContext struct {
	Character    *entity.Entity
	FactionName  string
	LocationName string
	Locations    []*entity.Entity
	MaxSpawns    int
}

func characterPrompts(trig Trigger, cc characterContext) (string, string) {
	c := cc.Character
	system := strings.TrimSpace(`
You play the inner life of one character in a living story world. Decide whether the beat affects this character and how.

### STATUS ORDER
` + ladderText(entity.KindCharacter) + `

### RULES
` + strings.TrimSpace(mutationRules) + `
• relocate_to must name one of the known locations.
• memory is one sentence in the character's own perspective.
• At most ` + fmt.Sprint(cc.MaxSpawns) + ` spawns.
• If the character is untouched, answer affected=false.

Answer by calling ` + characterToolName + `.`)

	var sb strings.Builder
	sb.WriteString("Name: " + c.Name + " [" + c.ID + "]\n")
	sb.WriteString("Status: " + string(c.Status) + "\n")
	if c.Description != "" {
		sb.WriteString("Description: " + c.Description + "\n")
	}
	if len(c.Traits) > 0 {
		sb.WriteString("Traits: " + strings.Join(c.Traits, ", ") + "\n")
	}
	if len(c.Motivations) > 0 {
		sb.WriteString("Motivations: " + strings.Join(c.Motivations, ", ") + "\n")
	}
	if cc.FactionName != "" {
		sb.WriteString("Faction: " + cc.FactionName + "\n")
	}
	if cc.LocationName != "" {
		sb.WriteString("Location: " + cc.LocationName + "\n")
	}
	if mem := c.RecentMemories(5); len(mem) > 0 {
		sb.WriteString("Recent memories:\n")
		for _, m := range mem {
			sb.WriteString(fmt.Sprintf("- (beat %d) %s\n", m.BeatIndex, m.Text))
		}
	}

	user := strings.TrimSpace(`
### BEAT
` + trig.Beat.Prompt() + causeSection(trig) + `
### CHARACTER
` + sb.String() + `
### KNOWN LOCATIONS
` + names(cc.Locations))
	return system, user
}

func causeSection(trig Trigger) string {
	if trig.Cause == "" {
		return ""
	}
	return "\n### TRIGGERED BY\n" + trig.Cause + "\n"
}

func roster(entities []*entity.Entity) string {
	if len(entities) == 0 {
		return "None yet."
	}
	lines := make([]string, len(entities))
	for i, e := range entities {
		lines[i] = "- " + e.Describe()
	}
	return strings.Join(lines, "\n")
}

func names(entities []*entity.Entity) string {
	if len(entities) == 0 {
		return "None."
	}
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.Name
	}
	return strings.Join(out, ", ")
}
