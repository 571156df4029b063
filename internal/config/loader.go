package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists provider names the runtime can construct. "openai"
// uses the OpenAI SDK directly; the rest go through the any-llm client.
var ValidLLMProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. ${VAR} references in the file are expanded
// from the environment before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references,
// applies defaults, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		// Unknown references stay literal so validation can name them.
		return "${" + name + "}"
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning fields with their documented
// defaults. Explicit zero values for chances are indistinguishable from unset
// and receive defaults too; set a tiny epsilon to effectively disable one.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Session.DefaultID == "" {
		cfg.Session.DefaultID = "session_001"
	}
	if cfg.Session.SaveEveryTurns == 0 {
		cfg.Session.SaveEveryTurns = 10
	}
	if cfg.Session.HistoryWindow == 0 {
		cfg.Session.HistoryWindow = 10
	}

	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 48000
	}
	if cfg.LLM.Stages.Narrator == 0 {
		cfg.LLM.Stages.Narrator = 4000
	}
	if cfg.LLM.Stages.MapGen == 0 {
		cfg.LLM.Stages.MapGen = 2000
	}
	if cfg.LLM.Stages.Intent == 0 {
		cfg.LLM.Stages.Intent = 200
	}
	if cfg.LLM.Stages.Content == 0 {
		cfg.LLM.Stages.Content = 2000
	}

	if cfg.Storage.KV.Backend == "" {
		cfg.Storage.KV.Backend = KVMemory
	}
	if cfg.Storage.KV.Addr == "" {
		cfg.Storage.KV.Addr = "localhost:6379"
	}
	if cfg.Storage.KV.TTLHours == 0 {
		cfg.Storage.KV.TTLHours = 24
	}
	if cfg.Storage.Blob.Backend == "" {
		cfg.Storage.Blob.Backend = BlobLocal
	}
	if cfg.Storage.Blob.BasePath == "" {
		cfg.Storage.Blob.BasePath = "./saves"
	}
	if cfg.Storage.Blob.S3.Bucket == "" {
		cfg.Storage.Blob.S3.Bucket = "talespinner-world-data"
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.DefaultTTLSeconds == 0 {
		cfg.Cache.DefaultTTLSeconds = 3600
	}
	if cfg.Cache.LocationTTLSeconds == 0 {
		cfg.Cache.LocationTTLSeconds = 7200
	}
	if cfg.Cache.NPCTTLSeconds == 0 {
		cfg.Cache.NPCTTLSeconds = 1800
	}
	if cfg.Cache.NarrativeTTLSeconds == 0 {
		cfg.Cache.NarrativeTTLSeconds = 300
	}
	if cfg.Cache.SimilarityThreshold == 0 {
		cfg.Cache.SimilarityThreshold = 0.8
	}
	if cfg.Cache.MaxCallsPerMinute == 0 {
		cfg.Cache.MaxCallsPerMinute = 20
	}
	if cfg.Cache.MinIntervalMs == 0 {
		cfg.Cache.MinIntervalMs = 100
	}

	if cfg.Simulation.NPCActivityChance == 0 {
		cfg.Simulation.NPCActivityChance = 0.3
	}
	if cfg.Simulation.MoveChance == 0 {
		cfg.Simulation.MoveChance = 0.15
	}
	if cfg.Simulation.SocialChance == 0 {
		cfg.Simulation.SocialChance = 0.1
	}
	if cfg.Simulation.EventBaseChance == 0 {
		cfg.Simulation.EventBaseChance = 0.1
	}
	if cfg.Simulation.CrisisEventBonus == 0 {
		cfg.Simulation.CrisisEventBonus = 0.05
	}
	if cfg.Simulation.CrisisDecayChance == 0 {
		cfg.Simulation.CrisisDecayChance = 0.05
	}
	if cfg.Simulation.CrisisEscalationChance == 0 {
		cfg.Simulation.CrisisEscalationChance = 0.1
	}
	if cfg.Simulation.DefaultTickMinutes == 0 {
		cfg.Simulation.DefaultTickMinutes = 30
	}
	if cfg.Simulation.MaxTickMinutes == 0 {
		cfg.Simulation.MaxTickMinutes = 480
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// LLM provider
	if cfg.LLM.Provider != "" && !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
			"name", cfg.LLM.Provider,
			"known", ValidLLMProviders,
		)
	}
	if cfg.LLM.Provider == "" {
		slog.Warn("no LLM provider configured; the session will run offline and echo player input")
	}
	if cfg.LLM.Provider != "" && cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required when llm.provider is set"))
	}
	if hasUnexpandedRef(cfg.LLM.APIKey) {
		errs = append(errs, fmt.Errorf("llm.api_key references unset environment variable %s", cfg.LLM.APIKey))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}

	// Storage
	if !cfg.Storage.KV.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.kv.backend %q is invalid; valid values: redis, memory", cfg.Storage.KV.Backend))
	}
	if cfg.Storage.KV.Backend == KVRedis && cfg.Storage.KV.Addr == "" {
		errs = append(errs, errors.New("storage.kv.addr is required when backend is redis"))
	}
	if hasUnexpandedRef(cfg.Storage.KV.Password) {
		errs = append(errs, fmt.Errorf("storage.kv.password references unset environment variable %s", cfg.Storage.KV.Password))
	}
	if !cfg.Storage.Blob.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.blob.backend %q is invalid; valid values: local, s3", cfg.Storage.Blob.Backend))
	}
	if cfg.Storage.Blob.Backend == BlobS3 {
		if cfg.Storage.Blob.S3.Endpoint == "" {
			errs = append(errs, errors.New("storage.blob.s3.endpoint is required when backend is s3"))
		}
		if hasUnexpandedRef(cfg.Storage.Blob.S3.SecretKey) {
			errs = append(errs, fmt.Errorf("storage.blob.s3.secret_key references unset environment variable %s", cfg.Storage.Blob.S3.SecretKey))
		}
	}

	// Cache
	if cfg.Cache.SimilarityThreshold < 0 || cfg.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("cache.similarity_threshold %.2f is out of range [0, 1]", cfg.Cache.SimilarityThreshold))
	}
	if cfg.Cache.MaxCallsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("cache.max_calls_per_minute %d must not be negative", cfg.Cache.MaxCallsPerMinute))
	}

	// Simulation
	for _, c := range []struct {
		name  string
		value float64
	}{
		{"simulation.npc_activity_chance", cfg.Simulation.NPCActivityChance},
		{"simulation.move_chance", cfg.Simulation.MoveChance},
		{"simulation.social_chance", cfg.Simulation.SocialChance},
		{"simulation.event_base_chance", cfg.Simulation.EventBaseChance},
		{"simulation.crisis_event_bonus", cfg.Simulation.CrisisEventBonus},
		{"simulation.crisis_decay_chance", cfg.Simulation.CrisisDecayChance},
		{"simulation.crisis_escalation_chance", cfg.Simulation.CrisisEscalationChance},
	} {
		if c.value < 0 || c.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", c.name, c.value))
		}
	}
	if cfg.Simulation.MoveChance+cfg.Simulation.SocialChance > 1 {
		errs = append(errs, fmt.Errorf("simulation.move_chance + simulation.social_chance = %.2f exceeds 1",
			cfg.Simulation.MoveChance+cfg.Simulation.SocialChance))
	}
	if cfg.Simulation.DefaultTickMinutes > cfg.Simulation.MaxTickMinutes {
		errs = append(errs, fmt.Errorf("simulation.default_tick_minutes %d exceeds max_tick_minutes %d",
			cfg.Simulation.DefaultTickMinutes, cfg.Simulation.MaxTickMinutes))
	}

	// World seed soft checks
	if cfg.World.Genre == "" {
		slog.Warn("world.genre is empty; generated content will use a generic fantasy register")
	}

	return errors.Join(errs...)
}

// hasUnexpandedRef reports whether s still looks like an unexpanded ${VAR}
// reference after environment expansion.
func hasUnexpandedRef(s string) bool {
	return len(s) > 3 && s[0] == '$' && s[1] == '{' && s[len(s)-1] == '}'
}
