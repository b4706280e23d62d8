package entity

// Status is a kind-specific condition of an entity.
type Status string

const (
	StatusThriving  Status = "thriving"
	StatusStable    Status = "stable"
	StatusDeclining Status = "declining"
	StatusRuined    Status = "ruined"
	StatusAbandoned Status = "abandoned"

	StatusAscendant Status = "ascendant"
	StatusWeakened  Status = "weakened"
	StatusFractured Status = "fractured"
	StatusDissolved Status = "dissolved"

	StatusHealthy  Status = "healthy"
	StatusInjured  Status = "injured"
	StatusCritical Status = "critical"
	StatusDead     Status = "dead"
	StatusMissing  Status = "missing"
)

// ladders are ordered from best to worst.
var ladders = map[Kind][]Status{
	KindLocation:  {StatusThriving, StatusStable, StatusDeclining, StatusRuined, StatusAbandoned},
	KindFaction:   {StatusAscendant, StatusStable, StatusWeakened, StatusFractured, StatusDissolved},
	KindCharacter: {StatusHealthy, StatusInjured, StatusCritical, StatusDead},
}

// offLadder statuses are valid but carry no rank.
var offLadder = map[Kind][]Status{
	KindCharacter: {StatusMissing},
}

// Statuses lists every valid status for kind, ladder order first.
func Statuses(kind Kind) []Status {
	out := append([]Status(nil), ladders[kind]...)
	return append(out, offLadder[kind]...)
}

func StatusStrings(kind Kind) []string {
	statuses := Statuses(kind)
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func DefaultStatus(kind Kind) Status {
	switch kind {
	case KindCharacter:
		return StatusHealthy
	case KindLocation, KindFaction:
		return StatusStable
	}
	return ""
}

func ValidStatus(kind Kind, s Status) bool {
	for _, candidate := range Statuses(kind) {
		if candidate == s {
			return true
		}
	}
	return false
}

// Rank is the position of s on the kind's ladder; -1 when off ladder.
func Rank(kind Kind, s Status) int {
	for i, candidate := range ladders[kind] {
		if candidate == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether s is the bottom of its ladder.
func IsTerminal(kind Kind, s Status) bool {
	ladder := ladders[kind]
	return len(ladder) > 0 && ladder[len(ladder)-1] == s
}

// IsImprovement reports whether moving from -> to climbs the ladder.
func IsImprovement(kind Kind, from, to Status) bool {
	rf, rt := Rank(kind, from), Rank(kind, to)
	return rf >= 0 && rt >= 0 && rt < rf
}

// IsCollapse reports whether moving from -> to lands on one of the two
// lowest rungs of a location or faction ladder.
func IsCollapse(kind Kind, from, to Status) bool {
	if kind == KindCharacter {
		return false
	}
	ladder := ladders[kind]
	rt := Rank(kind, to)
	return rt >= len(ladder)-2 && rt > Rank(kind, from)
}
