package voice

import "github.com/marcelscruz/open-gt/internal/protocol"

// builtinPersonalities is the catalog of selectable voices and speaking
// styles layered onto the fixed base system instruction.
var builtinPersonalities = map[string]protocol.Personality{
	"race-engineer": {
		ID:          "race-engineer",
		DisplayName: "Race Engineer",
		VoiceName:   "Charon",
		Prompt:      "Speak like a focused professional race engineer on the radio: clipped, precise, all business. No small talk.",
	},
	"calm-strategist": {
		ID:          "calm-strategist",
		DisplayName: "Calm Strategist",
		VoiceName:   "Kore",
		Prompt:      "Speak calmly and analytically, like a strategist weighing tradeoffs. Explain the reasoning behind advice briefly.",
	},
	"hype-man": {
		ID:          "hype-man",
		DisplayName: "Hype Man",
		VoiceName:   "Puck",
		Prompt:      "Speak with high energy and enthusiasm, celebrating good laps and staying upbeat even on mistakes.",
	},
}

// DefaultPersonalityID is used when a session config names none.
const DefaultPersonalityID = "race-engineer"

// ResolvePersonality returns the builtin personality for id, a custom
// personality if provided, or the default if id is unrecognized and no
// custom personality was given.
func ResolvePersonality(id string, custom *protocol.Personality) protocol.Personality {
	if custom != nil {
		p := *custom
		if p.VoiceName == "" {
			p.VoiceName = builtinPersonalities[DefaultPersonalityID].VoiceName
		}
		return p
	}
	if p, ok := builtinPersonalities[id]; ok {
		return p
	}
	return builtinPersonalities[DefaultPersonalityID]
}

// Personalities returns the builtin catalog for API listing, in a stable
// order.
func Personalities() []protocol.Personality {
	order := []string{"race-engineer", "calm-strategist", "hype-man"}
	out := make([]protocol.Personality, 0, len(order))
	for _, id := range order {
		out = append(out, builtinPersonalities[id])
	}
	return out
}
