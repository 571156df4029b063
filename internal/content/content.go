// Package content reduces LLM traffic for generated game content. Generated
// locations, NPCs, and narration are cached with per-type TTLs, validated
// against a hash of the load context, reused across near-duplicate requests,
// and gated by a rate limiter. The Strategy type ties these together behind a
// single GetOrGenerate entry point.
package content

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Type classifies cached content. The per-type TTLs in Settings key off it.
type Type string

const (
	TypeLocation    Type = "location"
	TypeNPC         Type = "npc"
	TypeItem        Type = "item"
	TypeQuest       Type = "quest"
	TypeDialogue    Type = "dialogue"
	TypeNarrative   Type = "narrative"
	TypeDescription Type = "description"
	TypeCustom      Type = "custom"
)

// Reason explains why a generation was (or was not) triggered.
type Reason string

const (
	// ReasonNone means the cache satisfied the request.
	ReasonNone          Reason = ""
	ReasonCacheMiss     Reason = "CACHE_MISS"
	ReasonStaleCache    Reason = "STALE_CACHE"
	ReasonForceRefresh  Reason = "FORCE_REFRESH"
	ReasonContextChange Reason = "CONTEXT_CHANGE"
)

// LoadContext captures the game situation a piece of content was generated
// under. Two requests with the same hash may share cached content.
type LoadContext struct {
	PlayerID    string
	Location    string
	CrisisLevel int

	// TimeHours is the world time in whole hours, so cached content survives
	// minute-level ticks.
	TimeHours int

	// Flags are the names of the set global flags; values are ignored.
	Flags []string
}

// hashPayload fixes the field order of the canonical JSON form.
type hashPayload struct {
	CrisisLevel int      `json:"crisis_level"`
	Flags       []string `json:"flags"`
	Location    string   `json:"location"`
	PlayerID    string   `json:"player_id"`
	Time        int      `json:"time"`
}

// Hash returns the MD5 hex digest of the canonical JSON form of the context.
func (c LoadContext) Hash() string {
	flags := append([]string(nil), c.Flags...)
	sort.Strings(flags)
	data, _ := json.Marshal(hashPayload{
		CrisisLevel: c.CrisisLevel,
		Flags:       flags,
		Location:    c.Location,
		PlayerID:    c.PlayerID,
		Time:        c.TimeHours,
	})
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Settings tunes caching, similarity reuse, and rate limiting.
type Settings struct {
	// Per-type cache lifetimes. DefaultTTL covers types without their own.
	DefaultTTL   time.Duration
	LocationTTL  time.Duration
	NPCTTL       time.Duration
	NarrativeTTL time.Duration

	// MaxEntries caps the cache; inserts beyond it evict the least-used entry.
	MaxEntries int

	// SimilarityThreshold is the minimum Jaccard score for content reuse.
	SimilarityThreshold float64

	MaxCallsPerMinute int
	MinInterval       time.Duration

	// ReuseSimilar enables similarity-based reuse of cached content.
	ReuseSimilar bool

	// ContextAware invalidates cached content when the context hash changes.
	ContextAware bool
}

// DefaultSettings returns the production tuning.
func DefaultSettings() Settings {
	return Settings{
		DefaultTTL:          time.Hour,
		LocationTTL:         2 * time.Hour,
		NPCTTL:              30 * time.Minute,
		NarrativeTTL:        5 * time.Minute,
		MaxEntries:          1000,
		SimilarityThreshold: 0.8,
		MaxCallsPerMinute:   20,
		MinInterval:         100 * time.Millisecond,
		ReuseSimilar:        true,
		ContextAware:        true,
	}
}

// ttlFor returns the cache lifetime for a content type.
func (s Settings) ttlFor(t Type) time.Duration {
	switch t {
	case TypeLocation:
		return s.LocationTTL
	case TypeNPC:
		return s.NPCTTL
	case TypeNarrative:
		return s.NarrativeTTL
	default:
		return s.DefaultTTL
	}
}

// Entry is one cached piece of content.
type Entry struct {
	Key         string
	Type        Type
	Value       any
	ContextHash string

	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
	TTL          time.Duration

	Tags []string
}

// Expired reports whether the entry has outlived its TTL at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// ContextValid reports whether the entry was generated under the given
// context hash.
func (e *Entry) ContextValid(hash string) bool {
	return e.ContextHash == hash
}
