package runtime_test

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vandermeer/talespinner/internal/cognition"
	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/loader"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/plugin"
	"github.com/vandermeer/talespinner/internal/runtime"
	"github.com/vandermeer/talespinner/internal/world"
	"github.com/vandermeer/talespinner/internal/worldmap"
	"github.com/vandermeer/talespinner/pkg/provider/llm"
	"github.com/vandermeer/talespinner/pkg/provider/llm/mock"
	"github.com/vandermeer/talespinner/pkg/storage/blob/local"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
)

type fixture struct {
	engine   *runtime.Engine
	provider *mock.Provider
	store    *memory.Store
	cog      *cognition.System
	events   *event.Log
	graph    *worldmap.Graph
	world    *world.Manager
	plugins  *plugin.Host
}

// newFixture assembles a full engine on in-memory storage. online controls
// whether the mock provider is wired in; plugins may be nil.
func newFixture(t *testing.T, online bool, plugins *plugin.Host) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := memory.New()
	saves, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	provider := &mock.Provider{}
	var prov llm.Provider
	if online {
		prov = provider
	}

	cog, err := cognition.NewSystem(cognition.Config{
		SessionID: "s1", Store: store, Saves: saves, Logger: logger,
	})
	if err != nil {
		t.Fatalf("cognition.NewSystem: %v", err)
	}
	events, err := event.NewLog(event.LogConfig{
		SessionID: "s1", Store: store, Logger: logger, Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("event.NewLog: %v", err)
	}
	graph, err := worldmap.New(worldmap.Config{
		Store: store, Provider: prov, Logger: logger, Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("worldmap.New: %v", err)
	}
	wm, err := world.NewManager(world.Config{
		SessionID: "s1", Store: store, Logger: logger,
	})
	if err != nil {
		t.Fatalf("world.NewManager: %v", err)
	}
	ld, err := loader.New(loader.Config{
		SessionID: "s1", Logger: logger, Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}
	if plugins == nil {
		plugins = plugin.NewHost(logger)
	}

	eng, err := runtime.New(runtime.Config{
		SessionID: "s1",
		Provider:  prov,
		Cognition: cog,
		Map:       graph,
		Events:    events,
		World:     wm,
		Loader:    ld,
		Plugins:   plugins,
		Seed:      worldmap.WorldSeed{Genre: "克苏鲁", Tone: "阴冷", FinalConflict: "旧日支配者苏醒"},
		Logger:    logger,
		Metrics:   metrics,
		Rand:      rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	return &fixture{
		engine: eng, provider: provider, store: store, cog: cog,
		events: events, graph: graph, world: wm, plugins: plugins,
	}
}

func (f *fixture) saveNode(t *testing.T, n *worldmap.Node) {
	t.Helper()
	if err := f.graph.SaveNode(context.Background(), n); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}
}

func (f *fixture) initAt(t *testing.T, location string) {
	t.Helper()
	if err := f.engine.InitializePlayer(context.Background(), location, nil); err != nil {
		t.Fatalf("InitializePlayer: %v", err)
	}
}

func (f *fixture) step(t *testing.T, input string) string {
	t.Helper()
	out, err := f.engine.Step(context.Background(), input)
	if err != nil {
		t.Fatalf("Step(%q): %v", input, err)
	}
	return out
}

func intentResponse(intent, keyword string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: `{"intent": "` + intent + `", "keyword": "` + keyword + `"}`}
}

func TestOfflineEcho(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, nil)
	f.initAt(t, "start")

	out := f.step(t, "你好")
	if out != "DM (离线): 你好" {
		t.Errorf("response = %q; want offline echo", out)
	}
	msgs, err := f.cog.AllHistory(ctx)
	if err != nil {
		t.Fatalf("AllHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("history = %+v; want user+assistant pair", msgs)
	}
	if got := f.engine.Turn(); got != 1 {
		t.Errorf("turn = %d; want 1", got)
	}
}

func TestBootstrapAndLook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, nil)
	f.saveNode(t, &worldmap.Node{
		ID: "start", Name: "Muddy Path",
		Description: "一条被雨水泡软的小路", GeoFeature: "泥泞洼地", RiskLevel: 1,
	})
	f.initAt(t, "start")

	out := f.step(t, "/look")
	for _, want := range []string{"📍 地点: Muddy Path", "👁️ 观察: 一条被雨水泡软的小路", "🚪 出口: 无"} {
		if !strings.Contains(out, want) {
			t.Errorf("look output missing %q:\n%s", want, out)
		}
	}

	if r := f.world.Region("start"); r == nil || !r.Discovered {
		t.Error("first look did not mark the region discovered")
	}
	f.step(t, "/look")
	discoveries, err := f.events.ByType(ctx, event.TypeDiscovery, 0)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(discoveries) != 1 {
		t.Errorf("discovery events = %d; want exactly 1", len(discoveries))
	}
}

func TestLookAtCollapsedSpace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.initAt(t, "nowhere")

	if out := f.step(t, "/look"); out != "❌ 这里的空间似乎崩塌了。" {
		t.Errorf("response = %q; want collapsed-space message", out)
	}
}

func TestMoveCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地"})
	f.saveNode(t, &worldmap.Node{ID: "forest", Name: "黑松林"})
	if err := f.graph.ConnectWithConcept(ctx, "start", "forest", worldmap.RouteConcept{
		RouteName: "林间小道", Description: "落叶铺满的窄路",
	}); err != nil {
		t.Fatalf("ConnectWithConcept: %v", err)
	}
	f.initAt(t, "start")

	if out := f.step(t, "/move nowhere"); out != "🚫 DM: 前方无路。无法从 start 前往 nowhere。" {
		t.Errorf("blocked move = %q", out)
	}

	out := f.step(t, "/move forest")
	if !strings.Contains(out, "🚶 你穿过【林间小道】前往 forest") {
		t.Errorf("move response = %q", out)
	}
	state, err := f.cog.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state["location"] != "forest" {
		t.Errorf("location = %v; want forest", state["location"])
	}
	moves, err := f.events.ByTag(ctx, "movement")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("movement events = %d; want 1", len(moves))
	}
	if route, _ := moves[0].DataString("route"); route != "林间小道" {
		t.Errorf("movement route = %q", route)
	}
}

func TestMoveWithoutTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.initAt(t, "start")

	if out := f.step(t, "/move"); out != "🚫 DM: 请输入要前往的目的地 ID。" {
		t.Errorf("response = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.initAt(t, "start")

	if out := f.step(t, "/dance"); out != "❓ 未知命令: /dance。输入 /help 查看可用命令。" {
		t.Errorf("response = %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地"})
	f.initAt(t, "start")

	out := f.step(t, "/status")
	for _, want := range []string{
		"🎭 玩家状态", "❤️ HP: 100/100", "🧠 SAN: 100/100",
		"📍 位置: start", "💰 金币: 100",
		"🌍 世界状态", "⚠️ 危机等级: CALM (0)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestIntentChatNarration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地", RiskLevel: 1})
	f.initAt(t, "start")
	f.provider.CompleteQueue = []*llm.CompletionResponse{
		intentResponse("CHAT", "四周"),
		{Content: "```\n浓雾贴着地面流动。\n```"},
	}

	out := f.step(t, "看看四周")
	if out != "DM: 浓雾贴着地面流动。" {
		t.Errorf("response = %q", out)
	}

	calls := f.provider.CompleteCalls
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d; want intent + narration", len(calls))
	}
	if calls[0].Req.Temperature != 0.1 || calls[0].Req.MaxTokens != 200 {
		t.Errorf("intent call = temp %v tokens %d; want 0.1/200",
			calls[0].Req.Temperature, calls[0].Req.MaxTokens)
	}
	if calls[1].Req.Temperature != 0.7 {
		t.Errorf("narration temperature = %v; want 0.7", calls[1].Req.Temperature)
	}
	if !strings.Contains(calls[1].Req.Messages[0].Content, "【世界状态】") {
		t.Error("narration prompt missing world state block")
	}
}

func TestRepeatedChatServesCachedNarration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地", RiskLevel: 1})
	f.initAt(t, "start")
	f.provider.CompleteQueue = []*llm.CompletionResponse{
		intentResponse("CHAT", "油灯"),
		{Content: "油灯的火苗晃了晃。"},
	}

	first := f.step(t, "盯着油灯看")
	if first != "DM: 油灯的火苗晃了晃。" {
		t.Fatalf("first response = %q", first)
	}
	if len(f.provider.CompleteCalls) != 2 {
		t.Fatalf("provider calls after first step = %d; want intent + narration", len(f.provider.CompleteCalls))
	}

	second := f.step(t, "盯着油灯看")
	if second != first {
		t.Errorf("second response = %q; want cached %q", second, first)
	}
	if len(f.provider.CompleteCalls) != 2 {
		t.Errorf("provider calls after repeated input = %d; want 2, the repeat must hit the cache", len(f.provider.CompleteCalls))
	}
}

func TestIntentFallbackOnGarbage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地"})
	f.initAt(t, "start")
	f.provider.CompleteQueue = []*llm.CompletionResponse{
		{Content: "我无法解析这个输入"},
		{Content: "夜色渐深。"},
	}

	if out := f.step(t, "嗯"); out != "DM: 夜色渐深。" {
		t.Errorf("response = %q; want chat fallback narration", out)
	}
}

func TestActionEmitsEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地"})
	f.initAt(t, "start")
	f.provider.CompleteQueue = []*llm.CompletionResponse{
		intentResponse("ACTION", "砸门"),
		{Content: "门闩断裂，木屑飞溅。你的手掌被震得发麻。"},
	}

	out := f.step(t, "用肩膀撞开木门")
	if !strings.HasPrefix(out, "DM: 门闩断裂") {
		t.Errorf("response = %q", out)
	}
	actions, err := f.events.ByTag(ctx, "action")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("action events = %d; want 1", len(actions))
	}
	if !strings.HasPrefix(actions[0].Description, "执行了动作: ") {
		t.Errorf("action description = %q", actions[0].Description)
	}
}

func TestDMErrorSentinel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地"})
	f.initAt(t, "start")
	f.provider.CompleteErr = errors.New("boom")

	if out := f.step(t, "说点什么"); out != "DM Error: boom" {
		t.Errorf("response = %q; want DM Error sentinel", out)
	}
}

func TestExploreCreatesSubLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "烂泥酒馆", Description: "潮湿的酒馆"})
	f.initAt(t, "start")
	f.provider.CompleteQueue = []*llm.CompletionResponse{
		intentResponse("EXPLORE", "地窖"),
		{Content: `{"name": "酒馆地窖", "desc": "霉味扑鼻", "geo_feature": "地下空间", "risk_level": 2, "connection_path_name": "暗门"}`},
	}

	out := f.step(t, "我想找找酒馆的地窖")
	if !strings.Contains(out, "🚶 你穿过【暗门】前往 loc_") {
		t.Errorf("explore response = %q; want move through the new sub-location", out)
	}
	state, err := f.cog.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	loc, _ := state["location"].(string)
	if !strings.HasPrefix(loc, "loc_") {
		t.Fatalf("location = %q; want generated node id", loc)
	}
	node, err := f.graph.Node(ctx, loc)
	if err != nil || node == nil {
		t.Fatalf("generated node missing: %v", err)
	}
	if node.Type != worldmap.NodeTypeDynamic || node.ParentID != "start" {
		t.Errorf("node = %+v; want dynamic child of start", node)
	}
}

func TestBeforeActionShortCircuit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	turnEnds := 0
	host := plugin.NewHost(nil)
	p := &plugin.Plugin{Meta: plugin.Metadata{Name: "director", Version: "1.0.0"}}
	p.Hooks = map[plugin.Hook]plugin.HookFunc{
		plugin.HookBeforeAction: func(context.Context, plugin.HookInput) (any, error) {
			return "剧情接管：一切静止了。", nil
		},
		plugin.HookTurnEnd: func(context.Context, plugin.HookInput) (any, error) {
			turnEnds++
			return nil, nil
		},
	}
	if err := host.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	host.LoadAndEnableAll(ctx)

	f := newFixture(t, true, host)
	f.initAt(t, "start")
	f.provider.Reset()

	out := f.step(t, "/look")
	if out != "剧情接管：一切静止了。" {
		t.Errorf("response = %q; want hook takeover", out)
	}
	if len(f.provider.CompleteCalls) != 0 {
		t.Errorf("provider called %d times; short-circuit must skip the LLM", len(f.provider.CompleteCalls))
	}
	if turnEnds != 1 {
		t.Errorf("turn end hooks = %d; short-circuit must not skip them", turnEnds)
	}
	msgs, err := f.cog.AllHistory(ctx)
	if err != nil {
		t.Fatalf("AllHistory: %v", err)
	}
	if msgs[len(msgs)-1].Content != "剧情接管：一切静止了。" {
		t.Error("hook response not recorded in history")
	}
}

func TestNarrationRewriteHook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host := plugin.NewHost(nil)
	p := &plugin.Plugin{Meta: plugin.Metadata{Name: "editor", Version: "1.0.0"}}
	p.Hooks = map[plugin.Hook]plugin.HookFunc{
		plugin.HookNarrationGenerated: func(_ context.Context, in plugin.HookInput) (any, error) {
			return in.Response + "\n（某处传来低语。）", nil
		},
	}
	if err := host.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	host.LoadAndEnableAll(ctx)

	f := newFixture(t, false, host)
	f.initAt(t, "start")

	out := f.step(t, "你好")
	if out != "DM (离线): 你好\n（某处传来低语。）" {
		t.Errorf("response = %q; want rewritten narration", out)
	}
}

func TestPluginCommandDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var gotParams string
	host := plugin.NewHost(nil)
	p := &plugin.Plugin{Meta: plugin.Metadata{Name: "dice", Version: "1.0.0"}}
	p.Commands = []plugin.Command{{
		Name:        "roll",
		Description: "掷骰",
		Handler: func(_ context.Context, params string) (string, error) {
			gotParams = params
			return "🎲 17", nil
		},
	}}
	if err := host.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	host.LoadAndEnableAll(ctx)

	f := newFixture(t, false, host)
	f.initAt(t, "start")

	if out := f.step(t, "/roll d20"); out != "🎲 17" {
		t.Errorf("response = %q", out)
	}
	if gotParams != "d20" {
		t.Errorf("params = %q; want d20", gotParams)
	}
}

func TestWorldSnapshotCadence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, false, nil)
	f.initAt(t, "start")

	for i := 0; i < 9; i++ {
		f.step(t, "走走停停")
	}
	if ok, _ := f.store.Exists(ctx, "rpg:world_state:s1:global"); ok {
		t.Fatal("world snapshot written before turn 10")
	}
	f.step(t, "第十回合")
	if ok, _ := f.store.Exists(ctx, "rpg:world_state:s1:global"); !ok {
		t.Fatal("world snapshot missing after turn 10")
	}
}

func TestSaveAndLoadCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.saveNode(t, &worldmap.Node{ID: "start", Name: "营地"})
	f.initAt(t, "start")

	out := f.step(t, "/save")
	if !strings.HasPrefix(out, "✅ 游戏已保存: ") {
		t.Fatalf("save response = %q", out)
	}
	out = f.step(t, "/load")
	if !strings.HasPrefix(out, "✅ 存档已读取: s1") {
		t.Fatalf("load response = %q", out)
	}
	if !strings.Contains(out, "📍 位置: start") {
		t.Errorf("load response missing location: %q", out)
	}
}
