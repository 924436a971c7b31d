package transcript

import (
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// ParseRole accepts canonical role names and the common wire aliases.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "human", "user":
		return RoleHuman, true
	case "agent", "assistant":
		return RoleAgent, true
	default:
		return "", false
	}
}

// Provenance tells consumers whether an event was observed live or
// reconstructed from retained storage.
type Provenance string

const (
	ProvenanceLive   Provenance = "live"
	ProvenanceReplay Provenance = "replay"
)

// Placeholder texts used when a turn is closed without a usable transcript.
const (
	PlaceholderInaudible   = "[inaudible]"
	PlaceholderRateLimited = "[transcription unavailable: rate limited]"
)

// Event is the externally visible transcript unit.
type Event struct {
	SessionID   string     `json:"session_id"`
	Role        Role       `json:"role"`
	Text        string     `json:"text"`
	IsFinal     bool       `json:"is_final"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinalizedAt time.Time  `json:"finalized_at,omitempty"`
	EmittedAt   time.Time  `json:"emitted_at,omitempty"`
	ItemID      string     `json:"item_id,omitempty"`
	MediaRef    string     `json:"media_ref,omitempty"`
	Provenance  Provenance `json:"provenance,omitempty"`
}

// OrderingTime is the timestamp events are ordered by: StartedAt, else
// FinalizedAt, else EmittedAt.
func (e Event) OrderingTime() time.Time {
	switch {
	case !e.StartedAt.IsZero():
		return e.StartedAt
	case !e.FinalizedAt.IsZero():
		return e.FinalizedAt
	default:
		return e.EmittedAt
	}
}
