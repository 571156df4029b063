// Package event implements the session event log: typed world events with
// tags and priorities, persisted to the KV store with a time index, and a
// synchronous listener registry that lets other subsystems (world state,
// plugins, the simulator) react to emissions.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of world event.
type Type string

const (
	TypePlayerMoved    Type = "PLAYER_MOVED"
	TypePlayerAction   Type = "PLAYER_ACTION"
	TypePlayerDeath    Type = "PLAYER_DEATH"
	TypeDiscovery      Type = "DISCOVERY"
	TypeQuestAccepted  Type = "QUEST_ACCEPTED"
	TypeQuestCompleted Type = "QUEST_COMPLETED"
	TypeQuestFailed    Type = "QUEST_FAILED"
	TypeNPCInteraction Type = "NPC_INTERACTION"
	TypeNPCDeath       Type = "NPC_DEATH"
	TypeCombatStart    Type = "COMBAT_START"
	TypeCombatEnd      Type = "COMBAT_END"
	TypeItemAcquired   Type = "ITEM_ACQUIRED"
	TypeItemLost       Type = "ITEM_LOST"
	TypeWorldEvent     Type = "WORLD_EVENT"
	TypeTimePass       Type = "TIME_PASS"
	TypeWeatherChange  Type = "WEATHER_CHANGE"
	TypeStoryMilestone Type = "STORY_MILESTONE"
	TypeCustom         Type = "CUSTOM"
)

// Priority orders listener notification. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Event is a single entry in the session event log.
//
// The JSON field names are part of the persisted save format; changing them
// breaks old archives.
type Event struct {
	// ID is assigned on emission: "evt_" followed by twelve hex characters.
	ID string `json:"event_id"`

	// Type classifies the event.
	Type Type `json:"event_type"`

	// Timestamp is the wall-clock emission time.
	Timestamp time.Time `json:"timestamp"`

	// Location is the map node or region where the event happened. Optional.
	Location string `json:"location,omitempty"`

	// Actor is who caused the event: "player", an NPC id, or "simulation".
	Actor string `json:"actor,omitempty"`

	// Description is a short human-readable account used in narration context.
	Description string `json:"description"`

	// Data carries structured payload specific to the event type, e.g.
	// {"target": "region_03"} for a DISCOVERY or {"minutes": 30} for TIME_PASS.
	Data map[string]any `json:"data,omitempty"`

	// Tags index the event for tag queries ("movement", "simulation", ...).
	Tags []string `json:"tags,omitempty"`

	// RelatedEvents links causally connected event IDs for chain traversal.
	RelatedEvents []string `json:"related_events,omitempty"`

	// Processed is true once at least one matching listener handled the
	// event without error.
	Processed bool `json:"processed"`

	// Priority orders listener notification for this event.
	Priority Priority `json:"priority"`
}

// DataFloat reads a numeric value from Data, tolerating the float64 that
// encoding/json produces and the int that in-process emitters use.
func (e *Event) DataFloat(key string) (float64, bool) {
	v, ok := e.Data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// DataString reads a string value from Data.
func (e *Event) DataString(key string) (string, bool) {
	v, ok := e.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// HasTag reports whether the event carries the given tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
