// Package cognition manages per-session memory: the conversation history, the
// player's character sheet, and save-game archives. Hot state lives in the KV
// store under session-scoped keys; archives are JSON documents in the blob
// store under "saves/".
package cognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vandermeer/talespinner/pkg/storage/blob"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
)

// SchemaVersion is stamped into every archive so future readers can migrate
// old saves.
const SchemaVersion = 1

// SavePrefix is the blob-store namespace for save-game archives.
const SavePrefix = "saves/"

// complexFields are state fields stored as JSON documents in the state hash.
var complexFields = []string{"attributes", "skills", "inventory", "quests", "story_nodes"}

// intFields are state fields parsed back to integers on read.
var intFields = []string{"hp", "max_hp", "sanity", "max_sanity", "level", "exp", "gold"}

// Message is one entry of the conversation history. The JSON form is the
// persisted list-element format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata describes a save slot. It is embedded in the archive and cached in
// the session's meta key.
type Metadata struct {
	SessionID       string `json:"session_id"`
	CreatedAt       string `json:"created_at,omitempty"`
	Timestamp       string `json:"timestamp"`
	PlaytimeMinutes int    `json:"playtime_minutes"`
	Location        string `json:"location"`
	HP              int    `json:"hp"`
	Sanity          int    `json:"sanity"`
}

// Archive is the full save-game document written to the blob store.
type Archive struct {
	SessionID     string         `json:"session_id"`
	SchemaVersion int            `json:"schema_version"`
	Metadata      Metadata       `json:"metadata"`
	History       []Message      `json:"history"`
	FinalState    map[string]any `json:"final_state"`
}

// SaveInfo is one row of the save listing.
type SaveInfo struct {
	SessionID       string
	Timestamp       string
	PlaytimeMinutes int
	Location        string
	HP              int
	Sanity          int
}

// Config carries the dependencies for a System.
type Config struct {
	// SessionID scopes all keys and the archive object name.
	SessionID string

	// Store holds the hot session state. Required.
	Store kv.Store

	// Saves holds archives. Optional; archive operations fail without it.
	Saves blob.Store

	// TTL applies to every session key. Zero means no expiry.
	TTL time.Duration

	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// System is the per-session memory manager.
type System struct {
	sessionID string
	store     kv.Store
	saves     blob.Store
	ttl       time.Duration
	log       *slog.Logger
	now       func() time.Time

	historyKey string
	stateKey   string
	metaKey    string
}

// ErrNoSaveStore is returned by archive operations when no blob store was
// configured.
var ErrNoSaveStore = errors.New("cognition: no save store configured")

// NewSystem validates cfg and returns a ready System.
func NewSystem(cfg Config) (*System, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("cognition: session id must not be empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("cognition: kv store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &System{
		sessionID:  cfg.SessionID,
		store:      cfg.Store,
		saves:      cfg.Saves,
		ttl:        cfg.TTL,
		log:        cfg.Logger.With("component", "cognition", "session", cfg.SessionID),
		now:        cfg.Now,
		historyKey: "rpg:history:" + cfg.SessionID,
		stateKey:   "rpg:state:" + cfg.SessionID,
		metaKey:    "rpg:meta:" + cfg.SessionID,
	}, nil
}

// AddMessage appends one message to the conversation history.
func (s *System) AddMessage(ctx context.Context, role, content string) error {
	data, err := json.Marshal(Message{Role: role, Content: content})
	if err != nil {
		return fmt.Errorf("cognition: marshal message: %w", err)
	}
	if err := s.store.RPush(ctx, s.historyKey, string(data)); err != nil {
		return fmt.Errorf("cognition: append history: %w", err)
	}
	return s.touch(ctx, s.historyKey)
}

// RecentHistory returns up to limit most recent messages, oldest first.
// A non-positive limit defaults to 10.
func (s *System) RecentHistory(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.history(ctx, int64(-limit), -1)
}

// AllHistory returns the full conversation history, oldest first.
func (s *System) AllHistory(ctx context.Context) ([]Message, error) {
	return s.history(ctx, 0, -1)
}

func (s *System) history(ctx context.Context, start, stop int64) ([]Message, error) {
	raw, err := s.store.LRange(ctx, s.historyKey, start, stop)
	if err != nil {
		return nil, fmt.Errorf("cognition: read history: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var m Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			s.log.Warn("skipping malformed history entry", "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// HistoryLen returns the number of stored history messages.
func (s *System) HistoryLen(ctx context.Context) (int64, error) {
	n, err := s.store.LLen(ctx, s.historyKey)
	if err != nil {
		return 0, fmt.Errorf("cognition: history length: %w", err)
	}
	return n, nil
}

// UpdateState merges updates into the player state hash. Maps and slices are
// stored as JSON; numbers and booleans as their string form.
func (s *System) UpdateState(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	fields := make(map[string]string, len(updates))
	for key, value := range updates {
		encoded, err := encodeStateValue(value)
		if err != nil {
			return fmt.Errorf("cognition: encode state field %q: %w", key, err)
		}
		fields[key] = encoded
	}
	if err := s.store.HSet(ctx, s.stateKey, fields); err != nil {
		return fmt.Errorf("cognition: write state: %w", err)
	}
	return s.touch(ctx, s.stateKey)
}

// State returns the full player state. Known complex fields are decoded from
// JSON and known numeric fields parsed to int; anything that fails to decode
// stays a string.
func (s *System) State(ctx context.Context) (map[string]any, error) {
	raw, err := s.store.HGetAll(ctx, s.stateKey)
	if err != nil {
		return nil, fmt.Errorf("cognition: read state: %w", err)
	}
	state := make(map[string]any, len(raw))
	for key, value := range raw {
		state[key] = value
	}
	for _, key := range complexFields {
		str, ok := state[key].(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(str), &decoded); err == nil {
			state[key] = decoded
		}
	}
	for _, key := range intFields {
		str, ok := state[key].(string)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(str); err == nil {
			state[key] = n
		}
	}
	return state, nil
}

// StateString returns one state field as its raw string form, or "" when
// absent.
func (s *System) StateString(ctx context.Context, field string) (string, error) {
	v, err := s.store.HGet(ctx, s.stateKey, field)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cognition: read state field %q: %w", field, err)
	}
	return v, nil
}

// Archive packs the session's history and state into a save-game document and
// writes it to the blob store. Each archive bumps the slot's playtime by one
// minute. Returns the object name.
func (s *System) Archive(ctx context.Context) (string, error) {
	if s.saves == nil {
		return "", ErrNoSaveStore
	}
	history, err := s.AllHistory(ctx)
	if err != nil {
		return "", err
	}
	state, err := s.State(ctx)
	if err != nil {
		return "", err
	}
	meta, err := s.sessionMetadata(ctx, state)
	if err != nil {
		return "", err
	}

	archive := Archive{
		SessionID:     s.sessionID,
		SchemaVersion: SchemaVersion,
		Metadata:      meta,
		History:       history,
		FinalState:    state,
	}
	name := s.objectName()
	if err := s.saves.PutJSON(ctx, name, archive); err != nil {
		return "", fmt.Errorf("cognition: write archive %q: %w", name, err)
	}
	if err := s.writeMetadata(ctx, meta); err != nil {
		return "", err
	}
	s.log.Info("archive saved", "object", name, "playtime_minutes", meta.PlaytimeMinutes)
	return name, nil
}

// LoadSession restores history, state, and metadata from this session's
// archive, replacing whatever is in the KV store. Returns the loaded archive
// so callers can report what came back.
func (s *System) LoadSession(ctx context.Context) (*Archive, error) {
	if s.saves == nil {
		return nil, ErrNoSaveStore
	}
	name := s.objectName()
	var archive Archive
	if err := s.saves.GetJSON(ctx, name, &archive); err != nil {
		return nil, fmt.Errorf("cognition: load archive %q: %w", name, err)
	}

	if err := s.store.Del(ctx, s.historyKey); err != nil {
		return nil, fmt.Errorf("cognition: clear history: %w", err)
	}
	for _, msg := range archive.History {
		if err := s.AddMessage(ctx, msg.Role, msg.Content); err != nil {
			return nil, err
		}
	}

	if err := s.store.Del(ctx, s.stateKey); err != nil {
		return nil, fmt.Errorf("cognition: clear state: %w", err)
	}
	if err := s.UpdateState(ctx, archive.FinalState); err != nil {
		return nil, err
	}

	if err := s.writeMetadata(ctx, archive.Metadata); err != nil {
		return nil, err
	}
	s.log.Info("archive loaded", "object", name,
		"timestamp", archive.Metadata.Timestamp, "location", archive.Metadata.Location)
	return &archive, nil
}

// ListSaves returns metadata for every archive in the blob store, across all
// sessions. Unreadable archives are skipped.
func ListSaves(ctx context.Context, saves blob.Store, logger *slog.Logger) ([]SaveInfo, error) {
	if saves == nil {
		return nil, ErrNoSaveStore
	}
	if logger == nil {
		logger = slog.Default()
	}
	names, err := saves.List(ctx, SavePrefix)
	if err != nil {
		return nil, fmt.Errorf("cognition: list saves: %w", err)
	}
	infos := make([]SaveInfo, 0, len(names))
	for _, name := range names {
		var archive Archive
		if err := saves.GetJSON(ctx, name, &archive); err != nil {
			logger.Warn("skipping unreadable save", "object", name, "error", err)
			continue
		}
		id := archive.Metadata.SessionID
		if id == "" {
			id = strings.TrimSuffix(strings.TrimPrefix(name, SavePrefix), ".json")
		}
		info := SaveInfo{
			SessionID:       id,
			Timestamp:       archive.Metadata.Timestamp,
			PlaytimeMinutes: archive.Metadata.PlaytimeMinutes,
			Location:        archive.Metadata.Location,
			HP:              archive.Metadata.HP,
			Sanity:          archive.Metadata.Sanity,
		}
		if hp, ok := stateInt(archive.FinalState, "hp"); ok {
			info.HP = hp
		}
		if san, ok := stateInt(archive.FinalState, "sanity"); ok {
			info.Sanity = san
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DeleteSave removes this session's archive. The hot KV state is untouched.
func (s *System) DeleteSave(ctx context.Context) error {
	if s.saves == nil {
		return ErrNoSaveStore
	}
	name := s.objectName()
	if err := s.saves.Delete(ctx, name); err != nil {
		return fmt.Errorf("cognition: delete archive %q: %w", name, err)
	}
	s.log.Info("archive deleted", "object", name)
	return nil
}

// ClearSession wipes the session's KV keys. Archives are kept.
func (s *System) ClearSession(ctx context.Context) error {
	if err := s.store.Del(ctx, s.historyKey, s.stateKey, s.metaKey); err != nil {
		return fmt.Errorf("cognition: clear session: %w", err)
	}
	s.log.Info("session data cleared")
	return nil
}

// objectName returns this session's archive name in the blob store.
func (s *System) objectName() string {
	return SavePrefix + s.sessionID + ".json"
}

// sessionMetadata returns this session's metadata with timestamp, location,
// and playtime advanced for a new save. A session without cached metadata
// gets a fresh record.
func (s *System) sessionMetadata(ctx context.Context, state map[string]any) (Metadata, error) {
	now := s.now().Format(time.RFC3339)
	location, _ := state["location"].(string)

	raw, err := s.store.Get(ctx, s.metaKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Metadata{}, fmt.Errorf("cognition: read metadata: %w", err)
	}
	if err == nil {
		var meta Metadata
		if uerr := json.Unmarshal([]byte(raw), &meta); uerr == nil {
			meta.Timestamp = now
			if location != "" {
				meta.Location = location
			}
			meta.PlaytimeMinutes++
			if hp, ok := stateInt(state, "hp"); ok {
				meta.HP = hp
			}
			if san, ok := stateInt(state, "sanity"); ok {
				meta.Sanity = san
			}
			return meta, nil
		}
		s.log.Warn("discarding unreadable session metadata")
	}

	meta := Metadata{
		SessionID:       s.sessionID,
		CreatedAt:       now,
		Timestamp:       now,
		PlaytimeMinutes: 1,
		Location:        "Start",
		HP:              100,
		Sanity:          100,
	}
	if location != "" {
		meta.Location = location
	}
	if hp, ok := stateInt(state, "hp"); ok {
		meta.HP = hp
	}
	if san, ok := stateInt(state, "sanity"); ok {
		meta.Sanity = san
	}
	return meta, nil
}

// writeMetadata caches meta in the session's meta key.
func (s *System) writeMetadata(ctx context.Context, meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cognition: marshal metadata: %w", err)
	}
	if err := s.store.Set(ctx, s.metaKey, string(data), s.ttl); err != nil {
		return fmt.Errorf("cognition: write metadata: %w", err)
	}
	return nil
}

// touch refreshes the TTL on key when expiry is configured.
func (s *System) touch(ctx context.Context, key string) error {
	if s.ttl <= 0 {
		return nil
	}
	if err := s.store.Expire(ctx, key, s.ttl); err != nil {
		return fmt.Errorf("cognition: refresh ttl on %q: %w", key, err)
	}
	return nil
}

// encodeStateValue converts a state value to its hash-field string form.
func encodeStateValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// stateInt reads an int field from a decoded state map, accepting the int,
// float, and string forms it may take after JSON round-trips.
func stateInt(state map[string]any, key string) (int, bool) {
	switch t := state[key].(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n, true
		}
	}
	return 0, false
}
