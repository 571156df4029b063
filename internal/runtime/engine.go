// Package runtime is the dungeon master: it drives the turn pipeline that
// ties cognition, the world graph, the event log, world state, lazy content
// loading and plugins together. One call to [Engine.Step] is one player turn.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vandermeer/talespinner/internal/cognition"
	"github.com/vandermeer/talespinner/internal/content"
	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/loader"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/plugin"
	"github.com/vandermeer/talespinner/internal/world"
	"github.com/vandermeer/talespinner/internal/worldmap"
	"github.com/vandermeer/talespinner/pkg/provider/llm"
	"github.com/vandermeer/talespinner/pkg/types"
)

// Config carries the engine's dependencies. Cognition, Map, Events, World and
// Loader are required; everything else has a usable default.
type Config struct {
	// SessionID identifies the running session. Required.
	SessionID string

	// Provider backs intent classification and narration. Optional; without
	// it natural language input gets the offline echo.
	Provider llm.Provider

	Cognition *cognition.System
	Map       *worldmap.Graph
	Events    *event.Log
	World     *world.Manager
	Loader    *loader.Loader

	// Content caches intent and narration completions so a repeated input at
	// the same location does not burn another provider call. Optional; a
	// default strategy without the inter-call delay is built when nil.
	Content *content.Strategy

	// Plugins defaults to an empty host.
	Plugins *plugin.Host

	// Seed grounds DM prompts in the campaign fiction.
	Seed worldmap.WorldSeed

	// HistoryWindow is the number of recent messages in DM prompts.
	// Defaults to 6.
	HistoryWindow int

	// SaveEveryTurns is the world snapshot cadence. Defaults to 10;
	// negative disables autosave.
	SaveEveryTurns int

	// NarratorTokens caps narration completions. Defaults to 8000.
	NarratorTokens int

	// IntentTokens caps intent classification completions. Defaults to 200.
	IntentTokens int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Rand drives the AI-director dice roll. Test hook.
	Rand *rand.Rand
}

// Engine runs the game loop for one session. Step serializes turns; the
// background simulator talks to the shared subsystems, never to the engine.
type Engine struct {
	sessionID string
	playerID  string
	provider  llm.Provider
	cog       *cognition.System
	graph     *worldmap.Graph
	events    *event.Log
	world     *world.Manager
	loader    *loader.Loader
	content   *content.Strategy
	plugins   *plugin.Host
	seed      worldmap.WorldSeed

	historyWindow  int
	saveEvery      int
	narratorTokens int
	intentTokens   int

	log     *slog.Logger
	metrics *observe.Metrics
	rand    *rand.Rand

	mu   sync.Mutex
	turn int
}

// New validates cfg, wires the event log into world state and plugin
// observers, and returns the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("runtime: SessionID must not be empty")
	}
	if cfg.Cognition == nil || cfg.Map == nil || cfg.Events == nil || cfg.World == nil || cfg.Loader == nil {
		return nil, fmt.Errorf("runtime: Cognition, Map, Events, World and Loader must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Plugins == nil {
		cfg.Plugins = plugin.NewHost(cfg.Logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Content == nil {
		// Intent and narration fire back to back within one turn, so the
		// default inter-call delay must not apply here.
		settings := content.DefaultSettings()
		settings.MinInterval = 0
		strategy, err := content.New(content.Config{
			Settings: settings,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: default content strategy: %w", err)
		}
		cfg.Content = strategy
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.SaveEveryTurns == 0 {
		cfg.SaveEveryTurns = 10
	}
	if cfg.NarratorTokens <= 0 {
		cfg.NarratorTokens = 8000
	}
	if cfg.IntentTokens <= 0 {
		cfg.IntentTokens = 200
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Seed.Genre == "" {
		cfg.Seed.Genre = "RPG"
	}
	if cfg.Seed.Tone == "" {
		cfg.Seed.Tone = "中性"
	}
	if cfg.Seed.FinalConflict == "" {
		cfg.Seed.FinalConflict = "未知威胁"
	}

	e := &Engine{
		sessionID:      cfg.SessionID,
		playerID:       "player_" + cfg.SessionID,
		provider:       cfg.Provider,
		cog:            cfg.Cognition,
		graph:          cfg.Map,
		events:         cfg.Events,
		world:          cfg.World,
		loader:         cfg.Loader,
		content:        cfg.Content,
		plugins:        cfg.Plugins,
		seed:           cfg.Seed,
		historyWindow:  cfg.HistoryWindow,
		saveEvery:      cfg.SaveEveryTurns,
		narratorTokens: cfg.NarratorTokens,
		intentTokens:   cfg.IntentTokens,
		log:            cfg.Logger.With("component", "runtime", "session", cfg.SessionID),
		metrics:        cfg.Metrics,
		rand:           cfg.Rand,
	}

	// Events drive world state transitions and plugin observers.
	cfg.Events.Register(cfg.World.Listener())
	cfg.Events.Register(&event.Listener{
		Name:     "plugin-hooks",
		Priority: event.PriorityLow,
		Handler: func(ctx context.Context, ev *event.Event) error {
			e.plugins.InvokeHook(ctx, plugin.HookEventEmitted, plugin.HookInput{Event: ev})
			return nil
		},
	})
	return e, nil
}

// PlayerID returns the session's player actor id.
func (e *Engine) PlayerID() string { return e.playerID }

// Turn returns the number of completed or in-flight turns.
func (e *Engine) Turn() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turn
}

// InitializePlayer writes the default character sheet, registers the starting
// region and emits the creation event.
func (e *Engine) InitializePlayer(ctx context.Context, startLocation string, tags []string) error {
	if len(tags) == 0 {
		tags = []string{"traveler", "outsider"}
	}
	if err := e.cog.UpdateState(ctx, map[string]any{
		"hp":         100,
		"max_hp":     100,
		"sanity":     100,
		"max_sanity": 100,
		"location":   startLocation,
		"tags":       tags,
		"skills":     []string{"observation"},
		"level":      1,
		"exp":        0,
		"gold":       100,
	}); err != nil {
		return fmt.Errorf("runtime: initialize player: %w", err)
	}

	name := "Starting Location"
	if node, err := e.graph.Node(ctx, startLocation); err == nil && node != nil {
		name = node.Name
	}
	e.world.RegisterRegion(startLocation, name)

	e.emit(ctx, event.TypeCustom, startLocation, "玩家角色创建",
		map[string]any{"event_type": "player_created"},
		[]string{"player", "character_creation"})
	e.log.Info("player initialized", "location", startLocation)
	return nil
}

// Step runs one player turn. Errors are reserved for storage failures; LLM
// trouble surfaces in the response text so the session stays playable.
func (e *Engine) Step(ctx context.Context, input string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	defer func() {
		e.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}()

	e.turn++
	turn := e.turn

	if err := e.cog.AddMessage(ctx, "user", input); err != nil {
		return "", fmt.Errorf("runtime: record input: %w", err)
	}
	state, err := e.cog.State(ctx)
	if err != nil {
		return "", fmt.Errorf("runtime: load player state: %w", err)
	}
	curr := stateString(state, "location", "Unknown")

	e.plugins.InvokeHook(ctx, plugin.HookTurnStart, plugin.HookInput{Turn: turn, PlayerState: state})

	var response string
	if hooked := e.plugins.InvokeHookFirst(ctx, plugin.HookBeforeAction, plugin.HookInput{
		Turn: turn, UserInput: input, PlayerState: state,
	}); hooked != nil {
		response = fmt.Sprint(hooked)
	} else {
		response, err = e.dispatch(ctx, input, state, curr)
		if err != nil {
			return "", err
		}
	}

	if err := e.cog.AddMessage(ctx, "assistant", response); err != nil {
		return "", fmt.Errorf("runtime: record response: %w", err)
	}
	if rewritten := e.plugins.InvokeHookFirst(ctx, plugin.HookNarrationGenerated, plugin.HookInput{
		Turn: turn, UserInput: input, PlayerState: state, Response: response,
	}); rewritten != nil {
		response = fmt.Sprint(rewritten)
	}

	e.checkAndLoadContent(ctx, state, curr)

	if e.saveEvery > 0 && turn%e.saveEvery == 0 {
		if err := e.world.Save(ctx); err != nil {
			e.log.Warn("world snapshot failed", "turn", turn, "error", err)
		}
	}

	e.plugins.InvokeHook(ctx, plugin.HookTurnEnd, plugin.HookInput{Turn: turn})
	return response, nil
}

// dispatch routes one input: plugin commands, then built-ins, then natural
// language.
func (e *Engine) dispatch(ctx context.Context, input string, state map[string]any, curr string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return e.naturalLanguage(ctx, input, state, curr)
	}

	fields := strings.Fields(trimmed)
	name := strings.TrimPrefix(fields[0], "/")
	params := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))

	e.plugins.InvokeHook(ctx, plugin.HookCommand, plugin.HookInput{
		Command: name, Params: params, PlayerState: state,
	})

	if cmd, owner := e.plugins.CommandHandler(name); cmd != nil {
		if cmd.RequiresParams && params == "" {
			return fmt.Sprintf("🚫 命令 /%s 需要参数。", name), nil
		}
		out, err := cmd.Handler(ctx, params)
		if err != nil {
			e.log.Warn("plugin command failed",
				"plugin", owner.Meta.Name, "command", name, "error", err)
			return fmt.Sprintf("❌ 命令执行失败: %v", err), nil
		}
		return out, nil
	}

	switch name {
	case "move":
		return e.handleMove(ctx, curr, params, input, state)
	case "look":
		return e.handleLook(ctx, curr)
	case "status":
		return e.handleStatus(state), nil
	case "events":
		return e.handleEvents(ctx)
	case "world":
		return e.handleWorld(), nil
	case "plugins":
		return e.handlePlugins(), nil
	case "save":
		return e.handleSave(ctx), nil
	case "load":
		return e.handleLoad(ctx), nil
	case "help":
		return e.helpText(), nil
	default:
		return fmt.Sprintf("❓ 未知命令: /%s。输入 /help 查看可用命令。", name), nil
	}
}

func (e *Engine) handleMove(ctx context.Context, curr, target, rawInput string, state map[string]any) (string, error) {
	if target == "" {
		return "🚫 DM: 请输入要前往的目的地 ID。", nil
	}
	edge, err := e.graph.TravelEdge(ctx, curr, target)
	if err != nil {
		return "", fmt.Errorf("runtime: resolve route: %w", err)
	}
	if edge == nil {
		return fmt.Sprintf("🚫 DM: 前方无路。无法从 %s 前往 %s。", curr, target), nil
	}

	if err := e.cog.UpdateState(ctx, map[string]any{"location": target}); err != nil {
		return "", fmt.Errorf("runtime: update location: %w", err)
	}
	route := edge.RouteInfo.RouteName
	if route == "" {
		route = "通道"
	}

	e.plugins.InvokeHook(ctx, plugin.HookPlayerMoved, plugin.HookInput{
		PlayerState: state, FromLocation: curr, ToLocation: target,
	})
	e.emit(ctx, event.TypeCustom, target,
		fmt.Sprintf("从 %s 移动到 %s", curr, target),
		map[string]any{"from_location": curr, "to_location": target, "route": route},
		[]string{"movement", "location_change", "player"})

	response := fmt.Sprintf("🚶 你穿过【%s】前往 %s。\n环境：%s\n...经过跋涉，你到达了目的地。",
		route, target, edge.RouteInfo.Description)

	if rewritten := e.plugins.InvokeHookFirst(ctx, plugin.HookAfterAction, plugin.HookInput{
		UserInput: rawInput, PlayerState: state, Response: response,
	}); rewritten != nil {
		response = fmt.Sprint(rewritten)
	}
	return response, nil
}

func (e *Engine) handleLook(ctx context.Context, curr string) (string, error) {
	if curr == "" {
		return "❌ 当前位置未定义，无法观察。", nil
	}
	node, err := e.graph.Node(ctx, curr)
	if err != nil {
		return "", fmt.Errorf("runtime: look: %w", err)
	}
	if node == nil {
		return "❌ 这里的空间似乎崩塌了。", nil
	}

	neighbors, err := e.graph.Neighbors(ctx, curr)
	if err != nil {
		return "", fmt.Errorf("runtime: look: %w", err)
	}
	exits := make([]string, 0, len(neighbors))
	for field := range neighbors {
		if _, target, ok := strings.Cut(field, ":"); ok {
			exits = append(exits, target)
		}
	}
	sort.Strings(exits)

	var b strings.Builder
	fmt.Fprintf(&b, "📍 地点: %s\n", node.Name)
	fmt.Fprintf(&b, "👁️ 观察: %s\n", node.Description)
	fmt.Fprintf(&b, "🌟 特征: %s\n", node.GeoFeature)
	if summary := e.world.SummarizeLocation(curr); summary != nil {
		fmt.Fprintf(&b, "\n🌡️ 天气: %s\n", summary.Weather)
		if len(summary.NPCsPresent) > 0 {
			fmt.Fprintf(&b, "👥 在场的人: %s\n", strings.Join(summary.NPCsPresent, ", "))
		}
	}
	exitList := "无"
	if len(exits) > 0 {
		exitList = strings.Join(exits, ", ")
	}
	fmt.Fprintf(&b, "\n🚪 出口: %s", exitList)

	if r := e.world.Region(curr); r == nil || !r.Discovered {
		e.emit(ctx, event.TypeDiscovery, curr,
			"发现了地点 "+node.Name,
			map[string]any{"target": curr},
			[]string{"discovery", "location"})
	}
	return b.String(), nil
}

func (e *Engine) handleStatus(state map[string]any) string {
	ws := e.world.Summarize()
	rule := strings.Repeat("=", 40)
	lines := []string{
		"🎭 玩家状态",
		rule,
		fmt.Sprintf("❤️ HP: %d/%d", stateInt(state, "hp", 100), stateInt(state, "max_hp", 100)),
		fmt.Sprintf("🧠 SAN: %d/%d", stateInt(state, "sanity", 100), stateInt(state, "max_sanity", 100)),
		fmt.Sprintf("📍 位置: %s", stateString(state, "location", "Unknown")),
		fmt.Sprintf("🏷️ 等级: %d | ✨ EXP: %d", stateInt(state, "level", 1), stateInt(state, "exp", 0)),
		fmt.Sprintf("💰 金币: %d", stateInt(state, "gold", 0)),
		fmt.Sprintf("🏷️ 标签: %s", strings.Join(stateStrings(state["tags"]), ", ")),
		"",
		"🌍 世界状态",
		rule,
		fmt.Sprintf("⏰ 时间: %s", ws.Time),
		fmt.Sprintf("⚠️ 危机等级: %s (%d)", ws.CrisisName, ws.CrisisLevel),
		fmt.Sprintf("🗺️ 已发现区域: %d/%d", ws.DiscoveredRegions, ws.RegionsCount),
		fmt.Sprintf("👥 存活NPC: %d/%d", ws.AliveNPCs, ws.NPCCount),
		fmt.Sprintf("📜 活跃任务: %d", ws.ActiveQuests),
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) handleEvents(ctx context.Context) (string, error) {
	summary, err := e.events.Summarize(ctx)
	if err != nil {
		return "", fmt.Errorf("runtime: events summary: %w", err)
	}
	narration, err := e.events.NarrationContext(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("runtime: events context: %w", err)
	}
	return fmt.Sprintf("📜 事件统计\n%s\n总事件数: %d\n最近事件:\n\n%s",
		strings.Repeat("=", 40), summary.Total, narration), nil
}

func (e *Engine) handleWorld() string {
	return "🌍 世界概览\n" + strings.Repeat("=", 40) + "\n" + e.world.LLMContext()
}

func (e *Engine) handlePlugins() string {
	rule := strings.Repeat("=", 40)
	lines := []string{"🔌 已加载的插件", rule}
	commands := e.plugins.Commands()
	for _, p := range e.plugins.Plugins() {
		lines = append(lines, fmt.Sprintf("\n• %s v%s [%s]",
			p.Meta.Name, p.Meta.Version, e.plugins.State(p.Meta.Name)))
		if p.Meta.Author != "" {
			lines = append(lines, "  作者: "+p.Meta.Author)
		}
		if p.Meta.Description != "" {
			lines = append(lines, "  "+p.Meta.Description)
		}
		var owned []string
		for _, c := range commands {
			if c.Plugin == p.Meta.Name {
				owned = append(owned, "/"+c.Name)
			}
		}
		if len(owned) > 0 {
			lines = append(lines, "  命令: "+strings.Join(owned, ", "))
		}
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) handleSave(ctx context.Context) string {
	// ON_SAVE handlers may enrich the map in place before it is archived
	// with the player state.
	saveData := map[string]any{"session_id": e.sessionID, "turn": e.turn}
	e.plugins.InvokeHook(ctx, plugin.HookSave, plugin.HookInput{SaveData: saveData})

	object, err := e.cog.Archive(ctx)
	if err != nil {
		return fmt.Sprintf("❌ 保存失败: %v", err)
	}
	if err := e.world.Save(ctx); err != nil {
		return fmt.Sprintf("❌ 世界状态保存失败: %v", err)
	}
	return "✅ 游戏已保存: " + object
}

func (e *Engine) handleLoad(ctx context.Context) string {
	arch, err := e.cog.LoadSession(ctx)
	if err != nil {
		return fmt.Sprintf("❌ 读取存档失败: %v", err)
	}
	if err := e.world.Load(ctx); err != nil {
		return fmt.Sprintf("❌ 世界状态读取失败: %v", err)
	}
	if state, err := e.cog.State(ctx); err == nil {
		e.plugins.InvokeHook(ctx, plugin.HookLoad, plugin.HookInput{PlayerState: state})
	}
	return fmt.Sprintf("✅ 存档已读取: %s\n📍 位置: %s | ❤️ HP: %d | 🧠 SAN: %d\n🕐 保存于: %s",
		e.sessionID, arch.Metadata.Location, arch.Metadata.HP, arch.Metadata.Sanity, arch.Metadata.Timestamp)
}

func (e *Engine) helpText() string {
	var b strings.Builder
	b.WriteString("📖 可用命令\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	b.WriteString("/move <地点ID>  前往相邻地点\n")
	b.WriteString("/look           观察当前环境\n")
	b.WriteString("/status         查看玩家与世界状态\n")
	b.WriteString("/events         查看最近事件\n")
	b.WriteString("/world          查看世界概览\n")
	b.WriteString("/plugins        查看已加载插件\n")
	b.WriteString("/save           保存游戏\n")
	b.WriteString("/load           读取存档\n")
	b.WriteString("/help           显示本帮助\n")
	for _, c := range e.plugins.Commands() {
		fmt.Fprintf(&b, "/%s  %s\n", c.Name, c.Description)
	}
	b.WriteString("其他输入将作为自然语言交给 DM 处理。")
	return b.String()
}

// naturalLanguage classifies the input and routes it to exploration, action
// resolution or plain narration.
func (e *Engine) naturalLanguage(ctx context.Context, input string, state map[string]any, curr string) (string, error) {
	if e.provider == nil {
		return "DM (离线): " + input, nil
	}

	node, err := e.graph.Node(ctx, curr)
	if err != nil {
		e.log.Warn("load location failed", "location", curr, "error", err)
	}
	eventCtx, err := e.events.NarrationContext(ctx, 0)
	if err != nil {
		e.log.Warn("event context failed", "error", err)
	}
	history := e.historyBlock(ctx)

	intent, keyword := e.classifyIntent(ctx, input, node, history, eventCtx)
	switch intent {
	case "EXPLORE":
		e.log.Info("explore intent", "keyword", keyword)
		lctx := e.loadContext(state, curr)
		if content, err := e.loader.GenerateDynamic(ctx, keyword, lctx); err == nil && content != nil {
			return formatDynamicContent(content), nil
		}
		if id, err := e.graph.CreateDynamicSubLocation(ctx, curr, keyword); err == nil && id != "" {
			return e.handleMove(ctx, curr, id, input, state)
		}
	case "ACTION":
		e.log.Info("action resolution", "keyword", keyword)
		return e.resolveAction(ctx, input, state, node, history, eventCtx), nil
	}
	return e.chatNarrative(ctx, input, state, node, history, eventCtx), nil
}

// intentResult is the cached outcome of one intent classification.
type intentResult struct {
	Intent  string
	Keyword string
}

func (e *Engine) classifyIntent(ctx context.Context, input string, node *worldmap.Node, history, eventCtx string) (string, string) {
	locName := "未知区域"
	loc := ""
	if node != nil {
		locName = node.Name
		loc = node.ID
	}

	key := "intent:" + loc + ":" + inputHash(input)
	value, _, err := e.content.GetOrGenerate(ctx, key, e.narrationContext(loc), content.TypeNarrative, func(ctx context.Context) (any, error) {
		start := time.Now()
		resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
			Messages:    []types.Message{{Role: "user", Content: intentPrompt(locName, history, eventCtx, input)}},
			Temperature: 0.1,
			MaxTokens:   e.intentTokens,
		})
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordLLMCall(ctx, "intent", status, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("empty completion")
		}

		var parsed struct {
			Intent  string `json:"intent"`
			Keyword string `json:"keyword"`
		}
		if !llm.ExtractJSON(resp.Content, &parsed) || parsed.Intent == "" {
			return intentResult{Intent: "CHAT", Keyword: input}, nil
		}
		return intentResult{Intent: parsed.Intent, Keyword: parsed.Keyword}, nil
	}, false)
	if err != nil {
		e.log.Warn("intent classification failed", "error", err)
		return "CHAT", input
	}
	result, ok := value.(intentResult)
	if !ok {
		return "CHAT", input
	}
	return result.Intent, result.Keyword
}

func (e *Engine) resolveAction(ctx context.Context, input string, state map[string]any, node *worldmap.Node, history, eventCtx string) string {
	locName := "Unknown"
	loc := ""
	if node != nil {
		locName = node.Name
		loc = node.ID
	}
	prompt := actionPrompt(e.seed, e.world.CrisisLevel().String(), locName,
		stateInt(state, "hp", 100), stateInt(state, "sanity", 100),
		history, eventCtx, input)
	key := "narration:action:" + loc + ":" + inputHash(input)
	response := e.callDM(ctx, key, e.narrationContext(loc), prompt)

	e.emit(ctx, event.TypeCustom, stateString(state, "location", "Unknown"),
		"执行了动作: "+truncate(input, 30),
		map[string]any{"action": input},
		[]string{"action", "player"})
	return response
}

func (e *Engine) chatNarrative(ctx context.Context, input string, state map[string]any, node *worldmap.Node, history, eventCtx string) string {
	locName, locDesc := "Unknown", ""
	loc := ""
	risk := 1
	if node != nil {
		locName, locDesc = node.Name, node.Description
		loc = node.ID
		if node.RiskLevel > 0 {
			risk = node.RiskLevel
		}
	}

	director := directorCalm
	if e.rollForCrisis(risk, int(e.world.CrisisLevel())) {
		director = directorCrisisHint(e.seed.FinalConflict)
	}

	prompt := chatPrompt(e.seed, locName, locDesc, input,
		e.world.LLMContext(), history, eventCtx, director)
	key := "narration:chat:" + loc + ":" + inputHash(input)
	response := e.callDM(ctx, key, e.narrationContext(loc), prompt)

	if rewritten := e.plugins.InvokeHookFirst(ctx, plugin.HookAfterAction, plugin.HookInput{
		UserInput: input, PlayerState: state, Response: response,
	}); rewritten != nil {
		response = fmt.Sprint(rewritten)
	}
	return response
}

// callDM generates narration through the content strategy: a repeated input
// at the same location serves the cached line instead of calling the
// provider again. Provider failures degrade into the DM Error sentinel, never
// into a Step error.
func (e *Engine) callDM(ctx context.Context, key string, lctx content.LoadContext, prompt string) string {
	value, _, err := e.content.GetOrGenerate(ctx, key, lctx, content.TypeNarrative, func(ctx context.Context) (any, error) {
		start := time.Now()
		resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
			Messages:    []types.Message{{Role: "user", Content: prompt}},
			Temperature: 0.7,
			MaxTokens:   e.narratorTokens,
		})
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordLLMCall(ctx, "narration", status, time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("empty completion")
		}
		clean := strings.ReplaceAll(resp.Content, "```json", "")
		clean = strings.ReplaceAll(clean, "```", "")
		return "DM: " + strings.TrimSpace(clean), nil
	}, false)
	if err != nil {
		return "DM Error: " + err.Error()
	}
	text, _ := value.(string)
	return text
}

// narrationContext is the cache context for one completion: a cached entry
// is invalidated when the player, location or crisis level moves on.
func (e *Engine) narrationContext(loc string) content.LoadContext {
	return content.LoadContext{
		PlayerID:    e.playerID,
		Location:    loc,
		CrisisLevel: int(e.world.CrisisLevel()),
	}
}

// inputHash keys cached completions by the exact player input.
func inputHash(input string) string {
	h := fnv.New64a()
	h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// rollForCrisis decides whether the AI director injects crisis foreshadowing:
// threshold min(0.7, risk*0.1 + crisis*0.05).
func (e *Engine) rollForCrisis(riskLevel, crisisLevel int) bool {
	if riskLevel < 1 {
		riskLevel = 1
	}
	threshold := float64(riskLevel)*0.1 + float64(crisisLevel)*0.05
	if threshold > 0.7 {
		threshold = 0.7
	}
	return e.rand.Float64() < threshold
}

func (e *Engine) checkAndLoadContent(ctx context.Context, state map[string]any, curr string) {
	lctx := e.loadContext(state, curr)
	loaded, err := e.loader.LoadAll(ctx, lctx, "", 3)
	if err != nil {
		e.log.Warn("content load failed", "error", err)
		return
	}
	for _, c := range loaded {
		e.log.Info("content loaded", "content", c.ID, "type", c.Type)
		e.plugins.InvokeHook(ctx, plugin.HookContentLoaded, plugin.HookInput{
			ContentID: c.ID, PlayerState: state,
		})
	}
}

// Suggestions proposes next actions based on loadable content and recent
// events.
func (e *Engine) Suggestions(ctx context.Context) ([]string, error) {
	state, err := e.cog.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: load player state: %w", err)
	}
	curr := stateString(state, "location", "Unknown")
	return e.loader.Suggestions(ctx, e.loadContext(state, curr))
}

func (e *Engine) loadContext(state map[string]any, curr string) *loader.LoadContext {
	return &loader.LoadContext{
		PlayerID:    e.playerID,
		Location:    curr,
		PlayerState: state,
		Events:      e.events,
		Map:         e.graph,
	}
}

func (e *Engine) historyBlock(ctx context.Context) string {
	msgs, err := e.cog.RecentHistory(ctx, e.historyWindow)
	if err != nil {
		e.log.Warn("history load failed", "error", err)
		return ""
	}
	return formatHistory(msgs)
}

// formatHistory renders messages with the Player:/DM:/[System]: prefixes used
// in every DM prompt.
func formatHistory(msgs []cognition.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user":
			lines = append(lines, "Player: "+m.Content)
		case "assistant":
			lines = append(lines, "DM: "+m.Content)
		case "system":
			lines = append(lines, "[System]: "+m.Content)
		}
	}
	return strings.Join(lines, "\n")
}

// formatDynamicContent turns a generated content record into a player-facing
// line.
func formatDynamicContent(content map[string]any) string {
	name, _ := content["name"].(string)
	description, _ := content["description"].(string)
	contentType, _ := content["content_type"].(string)
	switch contentType {
	case "location":
		return fmt.Sprintf("🗺️ 你发现了一个新地方：%s\n%s", name, description)
	case "npc":
		return fmt.Sprintf("👥 你遇到了%s：%s", name, description)
	case "item":
		return fmt.Sprintf("🎒 你发现了物品：%s\n%s", name, description)
	case "quest":
		return fmt.Sprintf("📜 新任务 - %s：%s", name, description)
	default:
		return "✨ " + description
	}
}

func (e *Engine) emit(ctx context.Context, typ event.Type, location, description string, data map[string]any, tags []string) {
	ev := &event.Event{
		Type:        typ,
		Actor:       e.playerID,
		Location:    location,
		Description: description,
		Data:        data,
		Tags:        tags,
	}
	if err := e.events.Emit(ctx, ev); err != nil {
		e.log.Warn("event emit failed", "type", typ, "error", err)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func stateString(state map[string]any, key, fallback string) string {
	if v, ok := state[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stateInt(state map[string]any, key string, fallback int) int {
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
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
