// Package loader decides which registered game content becomes visible to the
// player at any moment. Content declares load conditions over location, event
// history, and player state; the loader evaluates them against the live
// session and can fall back to LLM generation when nothing registered fits
// the player's intent.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vandermeer/talespinner/internal/content"
	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/worldmap"
	"github.com/vandermeer/talespinner/pkg/provider/llm"
	"github.com/vandermeer/talespinner/pkg/types"
)

// Trigger names the class of condition gating a piece of content.
type Trigger string

const (
	TriggerLocation    Trigger = "location"
	TriggerEvent       Trigger = "event"
	TriggerPlayerState Trigger = "player_state"
	TriggerCombo       Trigger = "combo"
	TriggerAlways      Trigger = "always"
	TriggerNever       Trigger = "never"
)

// ContentType classifies loadable content.
type ContentType string

const (
	TypeLocation  ContentType = "location"
	TypeNPC       ContentType = "npc"
	TypeItem      ContentType = "item"
	TypeQuest     ContentType = "quest"
	TypeLore      ContentType = "lore"
	TypeEncounter ContentType = "encounter"
	TypeCustom    ContentType = "custom"
)

// eventScanLimit bounds how far back condition checks look in the event log.
const eventScanLimit = 100

// Condition gates when content may load. All set clauses must hold.
type Condition struct {
	Trigger Trigger

	// Location clauses.
	AtLocation string
	InRegion   string
	Visited    []string

	// Event clauses. Requires/Excludes name event IDs.
	RequiresEvents     []string
	ExcludesEvents     []string
	RequiresEventTypes []event.Type

	// Player-state clauses. Zero MinLevel means 1; zero MaxLevel means 100.
	MinLevel        int
	MaxLevel        int
	HasTags         []string
	HasItems        []string
	StateConditions map[string]any

	// Custom runs against the raw player state; it is checked first.
	Custom func(state map[string]any) bool
}

// Loadable is one registered piece of content.
type Loadable struct {
	ID          string
	Type        ContentType
	Name        string
	Description string

	Condition Condition

	Data map[string]any

	// Priority orders loading; lower loads earlier. Zero means 10.
	Priority int

	// Repeatable content may load again after being marked loaded.
	Repeatable bool

	// OnLoadEvents are emitted to the event log when the content loads.
	OnLoadEvents []string

	// Excludes suppresses other content IDs for the session once this loads;
	// Replaces unregisters them entirely.
	Excludes []string
	Replaces []string

	Loaded bool
}

func (l *Loadable) priority() int {
	if l.Priority == 0 {
		return 10
	}
	return l.Priority
}

// LoadContext is the live session view conditions are evaluated against.
type LoadContext struct {
	PlayerID    string
	Location    string
	PlayerState map[string]any

	Events *event.Log
	Map    *worldmap.Graph

	mu     sync.Mutex
	loaded map[string]struct{}
}

// Level returns the player level, defaulting to 1.
func (c *LoadContext) Level() int {
	switch v := c.PlayerState["level"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 1
}

// HasTag reports whether the player carries the given tag.
func (c *LoadContext) HasTag(tag string) bool {
	for _, t := range stateStrings(c.PlayerState["tags"]) {
		if t == tag {
			return true
		}
	}
	return false
}

// HasItem reports whether the player's inventory holds the item, matching
// both plain ID entries and {"item_id": ...} records.
func (c *LoadContext) HasItem(itemID string) bool {
	inv, _ := c.PlayerState["inventory"].(map[string]any)
	items, _ := inv["items"].([]any)
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if t == itemID {
				return true
			}
		case map[string]any:
			if t["item_id"] == itemID {
				return true
			}
		}
	}
	return false
}

// IsLoaded reports whether content was already loaded this session.
func (c *LoadContext) IsLoaded(contentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loaded[contentID]
	return ok
}

// MarkLoaded records content as loaded for this session.
func (c *LoadContext) MarkLoaded(contentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded == nil {
		c.loaded = make(map[string]struct{})
	}
	c.loaded[contentID] = struct{}{}
}

func stateStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Config carries the dependencies for a Loader.
type Config struct {
	SessionID string

	// Provider backs dynamic content generation. Optional.
	Provider llm.Provider

	// Strategy caches and rate limits dynamic generation. A default strategy
	// is built when nil.
	Strategy *content.Strategy

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Loader evaluates registered content against the session and loads what
// fits. Safe for concurrent use.
type Loader struct {
	sessionID string
	provider  llm.Provider
	strategy  *content.Strategy
	log       *slog.Logger
	metrics   *observe.Metrics

	mu      sync.Mutex
	content map[string]*Loadable
}

// New builds a Loader from cfg.
func New(cfg Config) (*Loader, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("loader: session id must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	strategy := cfg.Strategy
	if strategy == nil {
		var err error
		strategy, err = content.New(content.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
		if err != nil {
			return nil, fmt.Errorf("loader: default strategy: %w", err)
		}
	}
	return &Loader{
		sessionID: cfg.SessionID,
		provider:  cfg.Provider,
		strategy:  strategy,
		log:       cfg.Logger.With("component", "loader", "session", cfg.SessionID),
		metrics:   cfg.Metrics,
		content:   make(map[string]*Loadable),
	}, nil
}

// Register adds or overwrites a piece of loadable content.
func (ld *Loader) Register(l *Loadable) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.content[l.ID] = l
}

// RegisterAll registers every given piece of content.
func (ld *Loader) RegisterAll(contents ...*Loadable) {
	for _, c := range contents {
		ld.Register(c)
	}
}

// Unregister removes content by ID. Unknown IDs are ignored.
func (ld *Loader) Unregister(contentID string) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	delete(ld.content, contentID)
}

// Content returns registered content by ID, or nil.
func (ld *Loader) Content(contentID string) *Loadable {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.content[contentID]
}

// ByType returns all registered content of one type.
func (ld *Loader) ByType(typ ContentType) []*Loadable {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	var out []*Loadable
	for _, c := range ld.content {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// Matching returns the content whose conditions hold under lctx, ordered by
// priority. A non-empty typ filters by content type. Already-loaded
// non-repeatable content is skipped.
func (ld *Loader) Matching(ctx context.Context, lctx *LoadContext, typ ContentType) ([]*Loadable, error) {
	ld.mu.Lock()
	candidates := make([]*Loadable, 0, len(ld.content))
	for _, c := range ld.content {
		candidates = append(candidates, c)
	}
	ld.mu.Unlock()

	var matched []*Loadable
	for _, c := range candidates {
		if typ != "" && c.Type != typ {
			continue
		}
		if !c.Repeatable && lctx.IsLoaded(c.ID) {
			continue
		}
		ok, err := ld.checkCondition(ctx, c.Condition, lctx)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].priority() < matched[j].priority() })
	return matched, nil
}

// Load loads one piece of content by ID if its condition holds, emitting its
// on-load events and applying its excludes and replaces.
func (ld *Loader) Load(ctx context.Context, contentID string, lctx *LoadContext) (bool, error) {
	l := ld.Content(contentID)
	if l == nil {
		return false, nil
	}
	ok, err := ld.checkCondition(ctx, l.Condition, lctx)
	if err != nil || !ok {
		return false, err
	}

	for _, excluded := range l.Excludes {
		lctx.MarkLoaded(excluded)
	}
	for _, replaced := range l.Replaces {
		ld.Unregister(replaced)
	}
	if lctx.Events != nil {
		for _, name := range l.OnLoadEvents {
			e := &event.Event{
				Type:        event.TypeCustom,
				Location:    lctx.Location,
				Actor:       lctx.PlayerID,
				Description: fmt.Sprintf("内容已加载: %s", l.Name),
				Data:        map[string]any{"content_id": l.ID, "trigger": name},
				Tags:        []string{"content_load"},
			}
			if err := lctx.Events.Emit(ctx, e); err != nil {
				ld.log.Warn("on-load event failed", "content", l.ID, "error", err)
			}
		}
	}

	lctx.MarkLoaded(l.ID)
	l.Loaded = true
	ld.log.Debug("content loaded", "content", l.ID, "type", l.Type)
	return true, nil
}

// LoadAll loads every matching piece of content, up to limit when positive.
// Returns what was loaded, in priority order.
func (ld *Loader) LoadAll(ctx context.Context, lctx *LoadContext, typ ContentType, limit int) ([]*Loadable, error) {
	matched, err := ld.Matching(ctx, lctx, typ)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	var loaded []*Loadable
	for _, c := range matched {
		ok, err := ld.Load(ctx, c.ID, lctx)
		if err != nil {
			return loaded, err
		}
		if ok {
			loaded = append(loaded, c)
		}
	}
	return loaded, nil
}

// checkCondition evaluates one condition; every set clause must hold.
func (ld *Loader) checkCondition(ctx context.Context, cond Condition, lctx *LoadContext) (bool, error) {
	switch cond.Trigger {
	case TriggerAlways:
		return true, nil
	case TriggerNever:
		return false, nil
	}

	if cond.Custom != nil && !cond.Custom(lctx.PlayerState) {
		return false, nil
	}

	if cond.AtLocation != "" && lctx.Location != cond.AtLocation {
		return false, nil
	}
	if cond.InRegion != "" {
		if lctx.Map == nil {
			return false, nil
		}
		node, err := lctx.Map.Node(ctx, lctx.Location)
		if err != nil {
			return false, err
		}
		if node == nil || node.ParentID != cond.InRegion {
			return false, nil
		}
	}
	if len(cond.Visited) > 0 {
		discoveries, err := lctx.Events.ByType(ctx, event.TypeDiscovery, eventScanLimit)
		if err != nil {
			return false, err
		}
		visited := make(map[string]struct{}, len(discoveries))
		for _, e := range discoveries {
			if target, ok := e.DataString("target"); ok {
				visited[target] = struct{}{}
			}
		}
		for _, loc := range cond.Visited {
			if _, ok := visited[loc]; !ok {
				return false, nil
			}
		}
	}

	if len(cond.RequiresEvents) > 0 || len(cond.ExcludesEvents) > 0 {
		recent, err := lctx.Events.Recent(ctx, eventScanLimit)
		if err != nil {
			return false, err
		}
		seen := make(map[string]struct{}, len(recent))
		for _, e := range recent {
			seen[e.ID] = struct{}{}
		}
		for _, id := range cond.RequiresEvents {
			if _, ok := seen[id]; !ok {
				return false, nil
			}
		}
		for _, id := range cond.ExcludesEvents {
			if _, ok := seen[id]; ok {
				return false, nil
			}
		}
	}
	if len(cond.RequiresEventTypes) > 0 {
		recent, err := lctx.Events.Recent(ctx, eventScanLimit)
		if err != nil {
			return false, err
		}
		found := false
		for _, e := range recent {
			for _, t := range cond.RequiresEventTypes {
				if e.Type == t {
					found = true
				}
			}
		}
		if !found {
			return false, nil
		}
	}

	minLevel, maxLevel := cond.MinLevel, cond.MaxLevel
	if minLevel == 0 {
		minLevel = 1
	}
	if maxLevel == 0 {
		maxLevel = 100
	}
	if level := lctx.Level(); level < minLevel || level > maxLevel {
		return false, nil
	}
	for _, tag := range cond.HasTags {
		if !lctx.HasTag(tag) {
			return false, nil
		}
	}
	for _, item := range cond.HasItems {
		if !lctx.HasItem(item) {
			return false, nil
		}
	}
	for key, want := range cond.StateConditions {
		if !reflect.DeepEqual(lctx.PlayerState[key], want) {
			return false, nil
		}
	}
	return true, nil
}

// GenerateDynamic asks the LLM to improvise content matching the player's
// intent at the current location. Generation runs through the content
// strategy, so repeated requests at the same spot serve the cache and bursts
// are rate limited.
func (ld *Loader) GenerateDynamic(ctx context.Context, userIntent string, lctx *LoadContext) (map[string]any, error) {
	if ld.provider == nil {
		return nil, errors.New("loader: no provider configured")
	}
	key := lctx.Location + ":" + userIntent
	cctx := content.LoadContext{PlayerID: lctx.PlayerID, Location: lctx.Location}

	value, _, err := ld.strategy.GetOrGenerate(ctx, key, cctx, content.TypeCustom, func(ctx context.Context) (any, error) {
		return ld.generateContent(ctx, userIntent, lctx)
	}, false)
	if err != nil {
		return nil, err
	}
	result, _ := value.(map[string]any)
	return result, nil
}

func (ld *Loader) generateContent(ctx context.Context, userIntent string, lctx *LoadContext) (map[string]any, error) {
	prompt, err := ld.buildGenerationPrompt(ctx, userIntent, lctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := ld.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	ld.metrics.RecordLLMCall(ctx, "content", status, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("loader: dynamic generation: %w", err)
	}

	var result map[string]any
	if !llm.ExtractJSON(resp.Content, &result) {
		return nil, errors.New("loader: unparseable dynamic content response")
	}
	return result, nil
}

func (ld *Loader) buildGenerationPrompt(ctx context.Context, userIntent string, lctx *LoadContext) (string, error) {
	locationName, locationDesc := "Unknown", ""
	if lctx.Map != nil {
		if node, err := lctx.Map.Node(ctx, lctx.Location); err != nil {
			return "", err
		} else if node != nil {
			locationName, locationDesc = node.Name, node.Description
		}
	}
	eventContext := ""
	if lctx.Events != nil {
		var err error
		if eventContext, err = lctx.Events.NarrationContext(ctx, 0); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf(dynamicContentPrompt,
		userIntent,
		locationName, locationDesc,
		eventContext,
		stateInt(lctx.PlayerState, "hp", 100),
		stateInt(lctx.PlayerState, "sanity", 100),
		strings.Join(stateStrings(lctx.PlayerState["tags"]), ", "),
		lctx.Level(),
	), nil
}

// BuildLLMContext assembles the full situation prompt for the dungeon master:
// environment, player state, available content, recent events, and the
// player's input.
func (ld *Loader) BuildLLMContext(ctx context.Context, userInput string, lctx *LoadContext) (string, error) {
	var sections []string

	if lctx.Map != nil {
		node, err := lctx.Map.Node(ctx, lctx.Location)
		if err != nil {
			return "", err
		}
		if node != nil {
			sections = append(sections,
				"【当前环境】",
				"地点: "+node.Name,
				"描述: "+node.Description,
				"特征: "+node.GeoFeature,
				"")
		}
	}

	sections = append(sections,
		"【玩家状态】",
		"位置: "+lctx.Location,
		fmt.Sprintf("HP: %d/100", stateInt(lctx.PlayerState, "hp", 100)),
		fmt.Sprintf("SAN: %d/100", stateInt(lctx.PlayerState, "sanity", 100)),
		"标签: "+strings.Join(stateStrings(lctx.PlayerState["tags"]), ", "),
		"")

	available, err := ld.Matching(ctx, lctx, "")
	if err != nil {
		return "", err
	}
	if len(available) > 0 {
		sections = append(sections, "【可用内容】")
		if len(available) > 10 {
			available = available[:10]
		}
		for _, c := range available {
			sections = append(sections, fmt.Sprintf("- %s (%s)", c.Name, c.Type))
		}
		sections = append(sections, "")
	}

	if lctx.Events != nil {
		eventContext, err := lctx.Events.NarrationContext(ctx, 0)
		if err != nil {
			return "", err
		}
		if eventContext != "" {
			sections = append(sections, eventContext, "")
		}
	}

	sections = append(sections, "【玩家行动】", userInput)
	return strings.Join(sections, "\n"), nil
}

// Suggestions proposes up to five next actions based on available content and
// recent events.
func (ld *Loader) Suggestions(ctx context.Context, lctx *LoadContext) ([]string, error) {
	var suggestions []string

	available, err := ld.Matching(ctx, lctx, "")
	if err != nil {
		return nil, err
	}
	if len(available) > 5 {
		available = available[:5]
	}
	for _, c := range available {
		switch c.Type {
		case TypeNPC:
			suggestions = append(suggestions, fmt.Sprintf("尝试与 %s 交谈", c.Name))
		case TypeQuest:
			suggestions = append(suggestions, fmt.Sprintf("查看任务: %s", c.Name))
		case TypeLocation:
			suggestions = append(suggestions, fmt.Sprintf("探索 %s", c.Name))
		}
	}

	if lctx.Events != nil {
		recent, err := lctx.Events.Recent(ctx, 5)
		if err != nil {
			return nil, err
		}
		for _, e := range recent {
			switch e.Type {
			case event.TypeNPCInteraction:
				name, ok := e.DataString("name")
				if !ok {
					name = "NPC"
				}
				suggestions = append(suggestions, fmt.Sprintf("深入了解 %s 的故事", name))
			case event.TypeItemAcquired:
				item, ok := e.DataString("item")
				if !ok {
					item = "物品"
				}
				suggestions = append(suggestions, fmt.Sprintf("尝试使用 %s", item))
			}
		}
	}

	if len(suggestions) > 5 {
		suggestions = suggestions[:5]
	}
	return suggestions, nil
}

func stateInt(state map[string]any, key string, fallback int) int {
	switch v := state[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
