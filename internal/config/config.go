// Package config provides the configuration schema and loader for the
// Talespinner session runtime.
package config

// LogLevel controls log verbosity for the runtime.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// KVBackend selects the key-value store implementation.
type KVBackend string

const (
	// KVRedis uses a Redis server for all world-graph and session keys.
	KVRedis KVBackend = "redis"

	// KVMemory keeps everything in process memory. Offline play and tests.
	KVMemory KVBackend = "memory"
)

// IsValid reports whether b is a recognised KV backend.
func (b KVBackend) IsValid() bool {
	return b == KVRedis || b == KVMemory
}

// BlobBackend selects the save-archive object store implementation.
type BlobBackend string

const (
	// BlobLocal writes save archives under a local base directory.
	BlobLocal BlobBackend = "local"

	// BlobS3 writes save archives to an S3-compatible object store.
	BlobS3 BlobBackend = "s3"
)

// IsValid reports whether b is a recognised blob backend.
func (b BlobBackend) IsValid() bool {
	return b == BlobLocal || b == BlobS3
}

// Config is the root configuration structure for Talespinner.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel   LogLevel         `yaml:"log_level"`
	Session    SessionConfig    `yaml:"session"`
	LLM        LLMConfig        `yaml:"llm"`
	World      WorldConfig      `yaml:"world"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// SessionConfig holds per-session runtime settings.
type SessionConfig struct {
	// DefaultID is the session identifier used when none is given on the
	// command line.
	DefaultID string `yaml:"default_id"`

	// SaveEveryTurns is the autosave cadence: the world state snapshot is
	// persisted every N turns. Zero disables turn-based autosave.
	SaveEveryTurns int `yaml:"save_every_turns"`

	// HistoryWindow is the number of recent messages included in DM prompts.
	HistoryWindow int `yaml:"history_window"`
}

// LLMConfig selects and tunes the LLM provider driving narration and
// generation.
type LLMConfig struct {
	// Provider selects the backend: "openai" uses the OpenAI SDK directly,
	// any other recognised name ("anthropic", "ollama", "gemini", ...) goes
	// through the any-llm multi-provider client.
	Provider string `yaml:"provider"`

	// APIKey is the provider credential. ${VAR} references are expanded from
	// the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Temperature is the default sampling temperature for narration.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens is the default completion token cap.
	MaxTokens int `yaml:"max_tokens"`

	// TimeoutSeconds bounds each completion request. Zero means no timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Stages holds per-stage completion token budgets.
	Stages StageBudgets `yaml:"stages"`
}

// StageBudgets caps completion tokens per generation stage.
type StageBudgets struct {
	// Narrator is the budget for DM narration responses.
	Narrator int `yaml:"narrator"`

	// MapGen is the budget for route-concept and map content generation.
	MapGen int `yaml:"map_gen"`

	// Intent is the budget for intent classification.
	Intent int `yaml:"intent"`

	// Content is the budget for lazily generated dynamic content.
	Content int `yaml:"content"`
}

// WorldConfig seeds the fiction of the generated world.
type WorldConfig struct {
	// Genre is the campaign genre (e.g., "Cosmic Horror", "High Fantasy").
	Genre string `yaml:"genre"`

	// Tone is the narrative register (e.g., "grim", "whimsical").
	Tone string `yaml:"tone"`

	// FinalConflict is the long-arc threat the campaign builds toward.
	FinalConflict string `yaml:"final_conflict"`
}

// StorageConfig selects the KV and blob backends.
type StorageConfig struct {
	KV   KVConfig   `yaml:"kv"`
	Blob BlobConfig `yaml:"blob"`
}

// KVConfig configures the key-value store.
type KVConfig struct {
	// Backend selects the implementation.
	Backend KVBackend `yaml:"backend"`

	// Addr is the Redis host:port. Ignored for the memory backend.
	Addr string `yaml:"addr"`

	// Password is the optional Redis AUTH password. ${VAR} references are
	// expanded from the environment at load time.
	Password string `yaml:"password"`

	// DB is the Redis logical database number.
	DB int `yaml:"db"`

	// TTLHours is the expiry applied to all session keys. World data older
	// than this is considered abandoned.
	TTLHours int `yaml:"ttl_hours"`
}

// BlobConfig configures the save-archive store.
type BlobConfig struct {
	// Backend selects the implementation.
	Backend BlobBackend `yaml:"backend"`

	// BasePath is the local directory for the "local" backend.
	BasePath string `yaml:"base_path"`

	// S3 configures the "s3" backend. Ignored otherwise.
	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible endpoint settings for the blob store.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// CacheConfig tunes the lazy content cache and its rate limiter.
type CacheConfig struct {
	// MaxEntries caps the number of cached content entries before eviction.
	MaxEntries int `yaml:"max_entries"`

	// DefaultTTLSeconds is the expiry for content types without a specific TTL.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`

	// LocationTTLSeconds is the expiry for location descriptions.
	LocationTTLSeconds int `yaml:"location_ttl_seconds"`

	// NPCTTLSeconds is the expiry for NPC dialogue content.
	NPCTTLSeconds int `yaml:"npc_ttl_seconds"`

	// NarrativeTTLSeconds is the expiry for narrative fragments.
	NarrativeTTLSeconds int `yaml:"narrative_ttl_seconds"`

	// SimilarityThreshold is the Jaccard score at or above which cached
	// content is considered a near-duplicate. Range (0, 1].
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MaxCallsPerMinute caps LLM generation calls in any sliding 60s window.
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`

	// MinIntervalMs is the minimum spacing between consecutive generation calls.
	MinIntervalMs int `yaml:"min_interval_ms"`
}

// SimulationConfig tunes the background world simulation.
type SimulationConfig struct {
	// NPCActivityChance is the per-NPC probability of any activity per tick.
	NPCActivityChance float64 `yaml:"npc_activity_chance"`

	// MoveChance and SocialChance split the activity roll; the remainder is
	// routine behaviour.
	MoveChance   float64 `yaml:"move_chance"`
	SocialChance float64 `yaml:"social_chance"`

	// EventBaseChance is the base probability of a world event per tick.
	EventBaseChance float64 `yaml:"event_base_chance"`

	// CrisisEventBonus is added to the event chance per crisis level.
	CrisisEventBonus float64 `yaml:"crisis_event_bonus"`

	// CrisisDecayChance scales the per-tick chance that the crisis level
	// relaxes one step.
	CrisisDecayChance float64 `yaml:"crisis_decay_chance"`

	// CrisisEscalationChance is the per-tick chance the crisis worsens.
	CrisisEscalationChance float64 `yaml:"crisis_escalation_chance"`

	// DefaultTickMinutes is the in-world time advanced per tick.
	DefaultTickMinutes int `yaml:"default_tick_minutes"`

	// MaxTickMinutes clamps a single tick's time advance.
	MaxTickMinutes int `yaml:"max_tick_minutes"`
}
