// Package world tracks the mutable state of the game world across a session:
// the in-world clock, the crisis level, per-region weather and danger, NPC
// positions and relationships, and quest progress. State lives in memory and
// is checkpointed to the KV store.
package world

// CrisisLevel is the global tension gauge. It only moves one step at a time
// and saturates at both ends.
type CrisisLevel int

const (
	CrisisCalm      CrisisLevel = 0
	CrisisLow       CrisisLevel = 1
	CrisisMedium    CrisisLevel = 2
	CrisisHigh      CrisisLevel = 3
	CrisisCritical  CrisisLevel = 4
	CrisisEmergency CrisisLevel = 5
)

// String returns the level name used in summaries and logs.
func (c CrisisLevel) String() string {
	switch c {
	case CrisisCalm:
		return "CALM"
	case CrisisLow:
		return "LOW"
	case CrisisMedium:
		return "MEDIUM"
	case CrisisHigh:
		return "HIGH"
	case CrisisCritical:
		return "CRITICAL"
	case CrisisEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Describe returns the narration-facing account of the current situation.
func (c CrisisLevel) Describe() string {
	switch c {
	case CrisisCalm:
		return "世界平静，没有异常迹象"
	case CrisisLow:
		return "有些不寻常的传闻，但基本安全"
	case CrisisMedium:
		return "危机正在酝酿，各地出现异常"
	case CrisisHigh:
		return "危机已经显现，危险在增加"
	case CrisisCritical:
		return "世界处于崩溃边缘，非常危险"
	case CrisisEmergency:
		return "紧急情况！需要立即行动"
	default:
		return "未知"
	}
}

// clampCrisis saturates a raw level into the valid range.
func clampCrisis(v int) CrisisLevel {
	if v < int(CrisisCalm) {
		return CrisisCalm
	}
	if v > int(CrisisEmergency) {
		return CrisisEmergency
	}
	return CrisisLevel(v)
}

// WeatherType is the ambient weather of a region.
type WeatherType string

const (
	WeatherClear   WeatherType = "clear"
	WeatherCloudy  WeatherType = "cloudy"
	WeatherRain    WeatherType = "rain"
	WeatherStorm   WeatherType = "storm"
	WeatherSnow    WeatherType = "snow"
	WeatherFog     WeatherType = "fog"
	WeatherHaunted WeatherType = "haunted"
)

// Weathers lists every weather type in weighting order; the simulator indexes
// into this slice.
var Weathers = []WeatherType{
	WeatherClear, WeatherCloudy, WeatherRain, WeatherStorm,
	WeatherSnow, WeatherFog, WeatherHaunted,
}

// RegionState is the mutable per-region record. JSON field names are part of
// the persisted format.
type RegionState struct {
	ID   string `json:"region_id"`
	Name string `json:"name"`

	Weather       WeatherType    `json:"weather"`
	DangerLevel   int            `json:"danger_level"`
	NPCCount      int            `json:"npc_count"`
	SpecialStatus map[string]any `json:"special_status"`

	Discovered      bool     `json:"discovered"`
	FullyExplored   bool     `json:"fully_explored"`
	DiscoveryPoints []string `json:"discovery_points"`

	// LastUpdated is a Unix timestamp in seconds.
	LastUpdated float64 `json:"last_updated"`
}

// NPCState is the mutable per-NPC record.
type NPCState struct {
	ID   string `json:"npc_id"`
	Name string `json:"name"`

	CurrentLocation string `json:"current_location"`
	HomeLocation    string `json:"home_location"`

	// Relationships maps npc id to a value in [-100, 100]; writes clamp.
	Relationships map[string]int `json:"relationships"`

	Alive  bool   `json:"alive"`
	Health int    `json:"health"`
	Mood   string `json:"mood"`

	Available     bool   `json:"available"`
	CurrentAction string `json:"current_action"`

	ActiveQuests  []string       `json:"active_quests"`
	DialogueState map[string]any `json:"dialogue_state"`

	LastInteracted float64 `json:"last_interacted"`
}

// QuestStatus is the lifecycle state of a quest. The only valid transitions
// are available -> active -> {completed, failed, abandoned}.
type QuestStatus string

const (
	QuestAvailable QuestStatus = "available"
	QuestActive    QuestStatus = "active"
	QuestCompleted QuestStatus = "completed"
	QuestFailed    QuestStatus = "failed"
	QuestAbandoned QuestStatus = "abandoned"
)

// QuestState is the mutable per-quest record.
type QuestState struct {
	ID          string `json:"quest_id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	Stage             int      `json:"stage"`
	MaxStage          int      `json:"max_stage"`
	StageDescriptions []string `json:"stage_descriptions"`

	Status      QuestStatus `json:"status"`
	Progress    int         `json:"progress"`
	MaxProgress int         `json:"max_progress"`

	Rewards map[string]any `json:"rewards"`

	Objectives          map[string]bool `json:"objectives"`
	CompletedObjectives []string        `json:"completed_objectives"`

	AcceptedTime  *float64 `json:"accepted_time"`
	CompletedTime *float64 `json:"completed_time"`
	Deadline      *float64 `json:"deadline"`

	GiverNPCID     string `json:"giver_npc_id,omitempty"`
	TargetLocation string `json:"target_location,omitempty"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
