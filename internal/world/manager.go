package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
)

// ChangeListener observes world state transitions. changeType is one of
// "time" or "crisis_level"; value is the new state.
type ChangeListener func(changeType string, value any)

// Config configures a [Manager].
type Config struct {
	// SessionID namespaces the persistence keys. Required.
	SessionID string

	// Store is the checkpoint target. Required.
	Store kv.Store

	// TTL applies to every checkpoint key. Zero means no expiry.
	TTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the wall clock used for record timestamps. Test hook; defaults
	// to time.Now.
	Now func() time.Time
}

// Manager owns the session's world state. The turn loop is the primary
// writer; the background simulator mutates time, weather, NPC positions and
// the crisis level between turns, so every access goes through the mutex.
type Manager struct {
	sessionID string
	store     kv.Store
	ttl       time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	time      Time
	crisis    CrisisLevel
	flags     map[string]bool
	variables map[string]any
	regions   map[string]*RegionState
	npcs      map[string]*NPCState
	quests    map[string]*QuestState

	changeListeners []ChangeListener
}

// NewManager validates cfg and returns a manager with a fresh world: day 0
// at 08:00, crisis CALM, empty registries.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("world: SessionID must not be empty")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("world: Store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sessionID: cfg.SessionID,
		store:     cfg.Store,
		ttl:       cfg.TTL,
		log:       cfg.Logger.With("component", "world", "session", cfg.SessionID),
		now:       cfg.Now,
		time:      DefaultTime(),
		crisis:    CrisisCalm,
		flags:     make(map[string]bool),
		variables: make(map[string]any),
		regions:   make(map[string]*RegionState),
		npcs:      make(map[string]*NPCState),
		quests:    make(map[string]*QuestState),
	}, nil
}

func (m *Manager) rootKey() string            { return "rpg:world_state:" + m.sessionID }
func (m *Manager) globalKey() string          { return m.rootKey() + ":global" }
func (m *Manager) regionKey(id string) string { return m.rootKey() + ":regions:" + id }
func (m *Manager) npcKey(id string) string    { return m.rootKey() + ":npcs:" + id }
func (m *Manager) questKey(id string) string  { return m.rootKey() + ":quests:" + id }

// OnChange registers a change listener. Listener failures are the listener's
// problem; they run synchronously under no lock.
func (m *Manager) OnChange(fn ChangeListener) {
	m.mu.Lock()
	m.changeListeners = append(m.changeListeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notifyChange(changeType string, value any) {
	m.mu.Lock()
	listeners := make([]ChangeListener, len(m.changeListeners))
	copy(listeners, m.changeListeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(changeType, value)
	}
}

// Time returns the current world clock.
func (m *Manager) Time() Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.time
}

// AdvanceTime moves the world clock forward and notifies change listeners.
func (m *Manager) AdvanceTime(minutes int) Time {
	m.mu.Lock()
	m.time = m.time.Advance(minutes)
	t := m.time
	m.mu.Unlock()
	m.notifyChange("time", t)
	return t
}

// CrisisLevel returns the current global crisis level.
func (m *Manager) CrisisLevel() CrisisLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crisis
}

// SetCrisisLevel clamps and stores the level, notifying listeners on actual
// change.
func (m *Manager) SetCrisisLevel(level CrisisLevel) {
	level = clampCrisis(int(level))
	m.mu.Lock()
	changed := m.crisis != level
	m.crisis = level
	m.mu.Unlock()
	if changed {
		m.log.Info("crisis level changed", "level", level.String())
		m.notifyChange("crisis_level", level)
	}
}

// SetFlag sets a global boolean flag.
func (m *Manager) SetFlag(flag string, value bool) {
	m.mu.Lock()
	m.flags[flag] = value
	m.mu.Unlock()
}

// HasFlag reports whether a global flag is set true.
func (m *Manager) HasFlag(flag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[flag]
}

// SetVariable stores a global variable.
func (m *Manager) SetVariable(key string, value any) {
	m.mu.Lock()
	m.variables[key] = value
	m.mu.Unlock()
}

// Variable reads a global variable; ok is false when unset.
func (m *Manager) Variable(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variables[key]
	return v, ok
}

// RegisterRegion adds a region with default state and returns it.
func (m *Manager) RegisterRegion(id, name string) *RegionState {
	r := &RegionState{
		ID:            id,
		Name:          name,
		Weather:       WeatherClear,
		DangerLevel:   1,
		SpecialStatus: make(map[string]any),
		LastUpdated:   float64(m.now().Unix()),
	}
	m.mu.Lock()
	m.regions[id] = r
	m.mu.Unlock()
	return r
}

// Region returns the state of one region, or nil when unregistered.
func (m *Manager) Region(id string) *RegionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions[id]
}

// Regions returns a snapshot slice of all region states.
func (m *Manager) Regions() []*RegionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RegionState, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	return out
}

// SetRegionWeather updates one region's weather; unknown regions are ignored.
func (m *Manager) SetRegionWeather(id string, w WeatherType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.regions[id]; r != nil {
		r.Weather = w
	}
}

// DiscoverRegion marks a region discovered.
func (m *Manager) DiscoverRegion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.regions[id]; r != nil {
		r.Discovered = true
	}
}

// AddDiscoveryPoint records one explored point of interest in a region.
func (m *Manager) AddDiscoveryPoint(id, point string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.regions[id]
	if r == nil {
		return
	}
	for _, p := range r.DiscoveryPoints {
		if p == point {
			return
		}
	}
	r.DiscoveryPoints = append(r.DiscoveryPoints, point)
}

// SetRegionDanger sets a region's danger level, clamped to [1, 5].
func (m *Manager) SetRegionDanger(id string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.regions[id]; r != nil {
		r.DangerLevel = clampInt(level, 1, 5)
	}
}

// RegisterNPC adds an NPC at a location, which also becomes its home.
func (m *Manager) RegisterNPC(id, name, location string) *NPCState {
	n := &NPCState{
		ID:              id,
		Name:            name,
		CurrentLocation: location,
		HomeLocation:    location,
		Relationships:   make(map[string]int),
		Alive:           true,
		Health:          100,
		Mood:            "neutral",
		Available:       true,
		CurrentAction:   "idle",
		DialogueState:   make(map[string]any),
		LastInteracted:  float64(m.now().Unix()),
	}
	m.mu.Lock()
	m.npcs[id] = n
	m.mu.Unlock()
	return n
}

// NPC returns the state of one NPC, or nil when unregistered.
func (m *Manager) NPC(id string) *NPCState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.npcs[id]
}

// NPCs returns a snapshot slice of all NPC states.
func (m *Manager) NPCs() []*NPCState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*NPCState, 0, len(m.npcs))
	for _, n := range m.npcs {
		out = append(out, n)
	}
	return out
}

// MoveNPC relocates a living NPC. Dead or unknown NPCs do not move.
func (m *Manager) MoveNPC(id, location string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.npcs[id]
	if n == nil || !n.Alive {
		return false
	}
	n.CurrentLocation = location
	return true
}

// SetNPCMood updates an NPC's mood tag.
func (m *Manager) SetNPCMood(id, mood string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.npcs[id]; n != nil {
		n.Mood = mood
	}
}

// SetRelationship writes a relationship value, clamped to [-100, 100].
func (m *Manager) SetRelationship(id, target string, value int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.npcs[id]; n != nil {
		n.Relationships[target] = clampInt(value, -100, 100)
	}
}

// Relationship reads a relationship value; unknown pairs are neutral 0.
func (m *Manager) Relationship(id, target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.npcs[id]; n != nil {
		return n.Relationships[target]
	}
	return 0
}

// SetNPCAction updates an NPC's current-action tag.
func (m *Manager) SetNPCAction(id, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.npcs[id]; n != nil {
		n.CurrentAction = action
	}
}

// SetNPCAvailable toggles whether an NPC can be interacted with.
func (m *Manager) SetNPCAvailable(id string, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.npcs[id]; n != nil {
		n.Available = available
	}
}

// KillNPC marks an NPC dead, zeroes its health and makes it unavailable.
func (m *Manager) KillNPC(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.npcs[id]; n != nil {
		n.Alive = false
		n.Health = 0
		n.Available = false
	}
}

// RegisterQuest adds a quest in the available state and returns it.
func (m *Manager) RegisterQuest(id, name, description string) *QuestState {
	q := &QuestState{
		ID:          id,
		Name:        name,
		Description: description,
		MaxStage:    1,
		Status:      QuestAvailable,
		MaxProgress: 100,
		Rewards:     make(map[string]any),
		Objectives:  make(map[string]bool),
	}
	m.mu.Lock()
	m.quests[id] = q
	m.mu.Unlock()
	return q
}

// Quest returns the state of one quest, or nil when unregistered.
func (m *Manager) Quest(id string) *QuestState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quests[id]
}

// AcceptQuest moves a quest from available to active. Any other starting
// state is rejected.
func (m *Manager) AcceptQuest(id string) bool {
	now := float64(m.now().Unix())
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quests[id]
	if q == nil || q.Status != QuestAvailable {
		return false
	}
	q.Status = QuestActive
	q.AcceptedTime = &now
	return true
}

// CompleteQuest moves an active quest to completed.
func (m *Manager) CompleteQuest(id string) bool {
	now := float64(m.now().Unix())
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quests[id]
	if q == nil || q.Status != QuestActive {
		return false
	}
	q.Status = QuestCompleted
	q.CompletedTime = &now
	return true
}

// FailQuest moves an active quest to failed.
func (m *Manager) FailQuest(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quests[id]
	if q == nil || q.Status != QuestActive {
		return false
	}
	q.Status = QuestFailed
	return true
}

// AbandonQuest moves an active quest to abandoned.
func (m *Manager) AbandonQuest(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quests[id]
	if q == nil || q.Status != QuestActive {
		return false
	}
	q.Status = QuestAbandoned
	return true
}

// UpdateQuestProgress sets quest progress, clamped to [0, MaxProgress].
func (m *Manager) UpdateQuestProgress(id string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.quests[id]; q != nil {
		q.Progress = clampInt(progress, 0, q.MaxProgress)
	}
}

// CompleteObjective marks a declared objective done. Undeclared objective
// ids are ignored.
func (m *Manager) CompleteObjective(questID, objective string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quests[questID]
	if q == nil {
		return
	}
	if _, declared := q.Objectives[objective]; !declared {
		return
	}
	q.Objectives[objective] = true
	for _, done := range q.CompletedObjectives {
		if done == objective {
			return
		}
	}
	q.CompletedObjectives = append(q.CompletedObjectives, objective)
}

// AvailableQuestsAt returns quests whose giver NPC stands at the location
// and which can still be accepted.
func (m *Manager) AvailableQuestsAt(location string) []*QuestState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QuestState
	for _, q := range m.quests {
		if q.Status != QuestAvailable || q.GiverNPCID == "" {
			continue
		}
		if n := m.npcs[q.GiverNPCID]; n != nil && n.CurrentLocation == location {
			out = append(out, q)
		}
	}
	return out
}

// ActiveQuests returns all quests in the active state.
func (m *Manager) ActiveQuests() []*QuestState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QuestState
	for _, q := range m.quests {
		if q.Status == QuestActive {
			out = append(out, q)
		}
	}
	return out
}

// Summary aggregates the world for the /world command.
type Summary struct {
	Time              string   `json:"time"`
	CrisisLevel       int      `json:"crisis_level"`
	CrisisName        string   `json:"crisis_level_name"`
	RegionsCount      int      `json:"regions_count"`
	DiscoveredRegions int      `json:"discovered_regions"`
	NPCCount          int      `json:"npcs_count"`
	AliveNPCs         int      `json:"alive_npcs"`
	QuestsCount       int      `json:"quests_count"`
	ActiveQuests      int      `json:"active_quests"`
	GlobalFlags       []string `json:"global_flags"`
}

// Summarize builds the world summary.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		Time:         m.time.String(),
		CrisisLevel:  int(m.crisis),
		CrisisName:   m.crisis.String(),
		RegionsCount: len(m.regions),
		NPCCount:     len(m.npcs),
		QuestsCount:  len(m.quests),
	}
	for _, r := range m.regions {
		if r.Discovered {
			s.DiscoveredRegions++
		}
	}
	for _, n := range m.npcs {
		if n.Alive {
			s.AliveNPCs++
		}
	}
	for _, q := range m.quests {
		if q.Status == QuestActive {
			s.ActiveQuests++
		}
	}
	for flag, v := range m.flags {
		if v {
			s.GlobalFlags = append(s.GlobalFlags, flag)
		}
	}
	return s
}

// LocationSummary describes one location for the /look and /status renderers.
type LocationSummary struct {
	Location        string   `json:"location"`
	Weather         string   `json:"weather"`
	DangerLevel     int      `json:"danger_level"`
	Discovered      bool     `json:"discovered"`
	NPCsPresent     []string `json:"npcs_present"`
	AvailableQuests int      `json:"available_quests"`
}

// SummarizeLocation builds the location summary, or nil for unregistered
// locations.
func (m *Manager) SummarizeLocation(location string) *LocationSummary {
	available := len(m.AvailableQuestsAt(location))
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.regions[location]
	if r == nil {
		return nil
	}
	s := &LocationSummary{
		Location:        r.Name,
		Weather:         string(r.Weather),
		DangerLevel:     r.DangerLevel,
		Discovered:      r.Discovered,
		AvailableQuests: available,
	}
	for _, n := range m.npcs {
		if n.Alive && n.CurrentLocation == location {
			s.NPCsPresent = append(s.NPCsPresent, n.Name)
		}
	}
	return s
}

// LLMContext renders the world state block injected into narration prompts.
func (m *Manager) LLMContext() string {
	m.mu.Lock()
	t := m.time
	crisis := m.crisis
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString("【世界状态】\n")
	fmt.Fprintf(&b, "时间: %s\n", t)
	fmt.Fprintf(&b, "危机等级: %s (%d)\n", crisis, int(crisis))
	fmt.Fprintf(&b, "时段: %s\n", t.Period())
	if t.IsNight() {
		b.WriteString("现在是夜晚，能见度较低\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "局势: %s\n", crisis.Describe())
	return b.String()
}

type globalState struct {
	Time        Time            `json:"time"`
	CrisisLevel int             `json:"crisis_level"`
	Flags       map[string]bool `json:"flags"`
	Variables   map[string]any  `json:"variables"`
}

// Save checkpoints all world state to the KV store.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	g := globalState{
		Time:        m.time,
		CrisisLevel: int(m.crisis),
		Flags:       m.flags,
		Variables:   m.variables,
	}
	type record struct {
		key string
		val any
	}
	records := make([]record, 0, 1+len(m.regions)+len(m.npcs)+len(m.quests))
	records = append(records, record{m.globalKey(), g})
	for id, r := range m.regions {
		records = append(records, record{m.regionKey(id), r})
	}
	for id, n := range m.npcs {
		records = append(records, record{m.npcKey(id), n})
	}
	for id, q := range m.quests {
		records = append(records, record{m.questKey(id), q})
	}
	m.mu.Unlock()

	for _, rec := range records {
		data, err := json.Marshal(rec.val)
		if err != nil {
			return fmt.Errorf("world: encode %s: %w", rec.key, err)
		}
		if err := m.store.Set(ctx, rec.key, string(data), m.ttl); err != nil {
			return fmt.Errorf("world: save %s: %w", rec.key, err)
		}
	}
	return nil
}

// Load restores world state from the KV store. Missing global state leaves
// the fresh defaults in place; registry keys are discovered by pattern scan.
func (m *Manager) Load(ctx context.Context) error {
	raw, err := m.store.Get(ctx, m.globalKey())
	switch {
	case err == nil:
		var g globalState
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			return fmt.Errorf("world: decode global state: %w", err)
		}
		m.mu.Lock()
		m.time = g.Time
		m.crisis = clampCrisis(g.CrisisLevel)
		if g.Flags != nil {
			m.flags = g.Flags
		}
		if g.Variables != nil {
			m.variables = g.Variables
		}
		m.mu.Unlock()
	case kvNotFound(err):
		// Fresh session.
	default:
		return fmt.Errorf("world: load global state: %w", err)
	}

	if err := loadRegistry(ctx, m.store, m.rootKey()+":regions:*", func(r *RegionState) {
		m.mu.Lock()
		m.regions[r.ID] = r
		m.mu.Unlock()
	}); err != nil {
		return fmt.Errorf("world: load regions: %w", err)
	}
	if err := loadRegistry(ctx, m.store, m.rootKey()+":npcs:*", func(n *NPCState) {
		m.mu.Lock()
		m.npcs[n.ID] = n
		m.mu.Unlock()
	}); err != nil {
		return fmt.Errorf("world: load npcs: %w", err)
	}
	if err := loadRegistry(ctx, m.store, m.rootKey()+":quests:*", func(q *QuestState) {
		m.mu.Lock()
		m.quests[q.ID] = q
		m.mu.Unlock()
	}); err != nil {
		return fmt.Errorf("world: load quests: %w", err)
	}
	return nil
}

func loadRegistry[T any](ctx context.Context, store kv.Store, pattern string, add func(*T)) error {
	keys, err := store.Keys(ctx, pattern)
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, err := store.Get(ctx, key)
		if err != nil {
			if kvNotFound(err) {
				continue
			}
			return err
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		add(&v)
	}
	return nil
}

func kvNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}

// Clear wipes both the in-memory registries and every persisted key of the
// session.
func (m *Manager) Clear(ctx context.Context) error {
	keys, err := m.store.Keys(ctx, m.rootKey()+"*")
	if err != nil {
		return fmt.Errorf("world: clear: %w", err)
	}
	if len(keys) > 0 {
		if err := m.store.Del(ctx, keys...); err != nil {
			return fmt.Errorf("world: clear: %w", err)
		}
	}
	m.mu.Lock()
	m.time = DefaultTime()
	m.crisis = CrisisCalm
	m.flags = make(map[string]bool)
	m.variables = make(map[string]any)
	m.regions = make(map[string]*RegionState)
	m.npcs = make(map[string]*NPCState)
	m.quests = make(map[string]*QuestState)
	m.mu.Unlock()
	return nil
}

// Listener subscribes the manager to the event log: discoveries mark
// regions, quest events drive quest transitions, world events shift the
// crisis level, and time-pass events advance the clock.
func (m *Manager) Listener() *event.Listener {
	return &event.Listener{
		Name: "world-state",
		Types: []event.Type{
			event.TypeDiscovery,
			event.TypeQuestAccepted,
			event.TypeQuestCompleted,
			event.TypeWorldEvent,
			event.TypeTimePass,
		},
		Priority: event.PriorityHigh,
		Handler:  m.handleEvent,
	}
}

func (m *Manager) handleEvent(ctx context.Context, e *event.Event) error {
	switch e.Type {
	case event.TypeDiscovery:
		if target, ok := e.DataString("target"); ok {
			m.DiscoverRegion(target)
		}
	case event.TypeQuestAccepted:
		if id, ok := e.DataString("quest_id"); ok {
			m.AcceptQuest(id)
		}
	case event.TypeQuestCompleted:
		if id, ok := e.DataString("quest_id"); ok && m.CompleteQuest(id) {
			// Resolving a quest relieves pressure, down to LOW at most.
			if level := m.CrisisLevel(); level > CrisisLow {
				m.SetCrisisLevel(level - 1)
			}
		}
	case event.TypeWorldEvent:
		if delta, ok := e.DataFloat("crisis_change"); ok && delta != 0 {
			m.SetCrisisLevel(clampCrisis(int(m.CrisisLevel()) + int(delta)))
		}
	case event.TypeTimePass:
		minutes := 10
		if v, ok := e.DataFloat("minutes"); ok {
			minutes = int(v)
		}
		m.AdvanceTime(minutes)
	}
	return nil
}
