package world_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/world"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
)

func newManager(t *testing.T, store kv.Store) *world.Manager {
	t.Helper()
	m, err := world.NewManager(world.Config{
		SessionID: "test",
		Store:     store,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestTimeAdvancesAndWraps(t *testing.T) {
	t.Parallel()

	tm := world.NewTime(0, 23, 50)
	tm = tm.Advance(25)
	if tm.Day() != 1 || tm.Hour() != 0 || tm.Minute() != 15 {
		t.Fatalf("advanced time = day %d %02d:%02d; want day 1 00:15", tm.Day(), tm.Hour(), tm.Minute())
	}
	if tm.IsDay() {
		t.Error("00:15 reported as day")
	}
	if got := tm.Period(); got != "深夜" {
		t.Errorf("Period() = %q; want 深夜", got)
	}

	noon := world.NewTime(2, 12, 30)
	if !noon.IsDay() {
		t.Error("12:30 reported as night")
	}
	if got := noon.Period(); got != "正午" {
		t.Errorf("Period() = %q; want 正午", got)
	}
}

func TestCrisisLevelSaturates(t *testing.T) {
	t.Parallel()
	m := newManager(t, memory.New())

	m.SetCrisisLevel(world.CrisisEmergency + 3)
	if got := m.CrisisLevel(); got != world.CrisisEmergency {
		t.Errorf("over-escalated level = %v; want EMERGENCY", got)
	}
	m.SetCrisisLevel(-2)
	if got := m.CrisisLevel(); got != world.CrisisCalm {
		t.Errorf("under-decayed level = %v; want CALM", got)
	}
}

func TestQuestTransitions(t *testing.T) {
	t.Parallel()
	m := newManager(t, memory.New())
	m.RegisterQuest("q1", "Find the amulet", "An old woman lost her amulet.")

	if m.CompleteQuest("q1") {
		t.Error("available quest completed without being accepted")
	}
	if m.FailQuest("q1") {
		t.Error("available quest failed without being accepted")
	}
	if !m.AcceptQuest("q1") {
		t.Fatal("AcceptQuest refused an available quest")
	}
	if m.AcceptQuest("q1") {
		t.Error("active quest accepted twice")
	}
	if !m.CompleteQuest("q1") {
		t.Fatal("CompleteQuest refused an active quest")
	}
	if m.FailQuest("q1") {
		t.Error("completed quest moved to failed")
	}

	q := m.Quest("q1")
	if q.Status != world.QuestCompleted || q.AcceptedTime == nil || q.CompletedTime == nil {
		t.Errorf("quest = %+v; want completed with both timestamps", q)
	}
}

func TestRelationshipAndDangerClamping(t *testing.T) {
	t.Parallel()
	m := newManager(t, memory.New())
	m.RegisterNPC("npc_smith", "Smith", "loc_tavern")
	m.RegisterRegion("loc_tavern", "Tavern")

	m.SetRelationship("npc_smith", "npc_guard", 150)
	if got := m.Relationship("npc_smith", "npc_guard"); got != 100 {
		t.Errorf("relationship = %d; want clamped 100", got)
	}
	m.SetRelationship("npc_smith", "npc_guard", -999)
	if got := m.Relationship("npc_smith", "npc_guard"); got != -100 {
		t.Errorf("relationship = %d; want clamped -100", got)
	}

	m.SetRegionDanger("loc_tavern", 9)
	if got := m.Region("loc_tavern").DangerLevel; got != 5 {
		t.Errorf("danger = %d; want clamped 5", got)
	}
}

func TestDeadNPCsDoNotMove(t *testing.T) {
	t.Parallel()
	m := newManager(t, memory.New())
	m.RegisterNPC("npc_smith", "Smith", "loc_tavern")
	m.KillNPC("npc_smith")

	if m.MoveNPC("npc_smith", "loc_forest") {
		t.Error("dead NPC moved")
	}
	n := m.NPC("npc_smith")
	if n.Alive || n.Health != 0 || n.Available {
		t.Errorf("killed NPC = %+v; want dead, health 0, unavailable", n)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()

	m := newManager(t, store)
	m.AdvanceTime(150)
	m.SetCrisisLevel(world.CrisisMedium)
	m.SetFlag("gate_open", true)
	m.RegisterRegion("loc_tavern", "Tavern")
	m.SetRegionWeather("loc_tavern", world.WeatherFog)
	m.DiscoverRegion("loc_tavern")
	m.RegisterNPC("npc_smith", "Smith", "loc_tavern")
	m.RegisterQuest("q1", "Quest", "desc")
	m.AcceptQuest("q1")
	if err := m.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := newManager(t, store)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := restored.Time().TotalMinutes(); got != 8*60+150 {
		t.Errorf("restored time = %d minutes; want %d", got, 8*60+150)
	}
	if restored.CrisisLevel() != world.CrisisMedium {
		t.Errorf("restored crisis = %v; want MEDIUM", restored.CrisisLevel())
	}
	if !restored.HasFlag("gate_open") {
		t.Error("restored flags missing gate_open")
	}
	r := restored.Region("loc_tavern")
	if r == nil || r.Weather != world.WeatherFog || !r.Discovered {
		t.Errorf("restored region = %+v; want foggy discovered Tavern", r)
	}
	if restored.NPC("npc_smith") == nil {
		t.Error("restored NPCs missing npc_smith")
	}
	q := restored.Quest("q1")
	if q == nil || q.Status != world.QuestActive {
		t.Errorf("restored quest = %+v; want active", q)
	}
}

func TestClearWipesStateAndKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)
	m.RegisterRegion("loc_tavern", "Tavern")
	m.SetCrisisLevel(world.CrisisHigh)
	if err := m.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.Region("loc_tavern") != nil {
		t.Error("region survived Clear")
	}
	if m.CrisisLevel() != world.CrisisCalm {
		t.Error("crisis level not reset by Clear")
	}
	keys, err := store.Keys(ctx, "rpg:world_state:test*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("persisted keys survived Clear: %v", keys)
	}
}

func TestEventListenerDrivesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)
	m.RegisterRegion("loc_forest", "Forest")
	m.RegisterQuest("q1", "Quest", "desc")
	m.AcceptQuest("q1")
	m.SetCrisisLevel(world.CrisisHigh)

	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	log, err := event.NewLog(event.LogConfig{SessionID: "test", Store: store, Metrics: met})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	log.Register(m.Listener())

	emit := func(e *event.Event) {
		t.Helper()
		if err := log.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	emit(&event.Event{Type: event.TypeDiscovery, Data: map[string]any{"target": "loc_forest"}})
	if !m.Region("loc_forest").Discovered {
		t.Error("DISCOVERY event did not mark region discovered")
	}

	emit(&event.Event{Type: event.TypeQuestCompleted, Data: map[string]any{"quest_id": "q1"}})
	if m.Quest("q1").Status != world.QuestCompleted {
		t.Error("QUEST_COMPLETED event did not complete quest")
	}
	if m.CrisisLevel() != world.CrisisMedium {
		t.Errorf("crisis after quest completion = %v; want MEDIUM", m.CrisisLevel())
	}

	emit(&event.Event{Type: event.TypeWorldEvent, Data: map[string]any{"crisis_change": 2}})
	if m.CrisisLevel() != world.CrisisCritical {
		t.Errorf("crisis after world event = %v; want CRITICAL", m.CrisisLevel())
	}

	before := m.Time().TotalMinutes()
	emit(&event.Event{Type: event.TypeTimePass})
	if got := m.Time().TotalMinutes() - before; got != 10 {
		t.Errorf("TIME_PASS advanced %d minutes; want default 10", got)
	}
	emit(&event.Event{Type: event.TypeTimePass, Data: map[string]any{"minutes": 45}})
	if got := m.Time().TotalMinutes() - before; got != 55 {
		t.Errorf("explicit TIME_PASS total = %d minutes; want 55", got)
	}
}

func TestQuestCompletionEventWithoutActiveQuestKeepsCrisis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	m := newManager(t, store)
	m.RegisterQuest("q1", "Quest", "desc")
	m.SetCrisisLevel(world.CrisisHigh)

	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	log, err := event.NewLog(event.LogConfig{SessionID: "test", Store: store, Metrics: met})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	log.Register(m.Listener())

	emit := func(e *event.Event) {
		t.Helper()
		if err := log.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	emit(&event.Event{Type: event.TypeQuestCompleted, Data: map[string]any{"quest_id": "ghost"}})
	if m.CrisisLevel() != world.CrisisHigh {
		t.Errorf("crisis after unknown quest completion = %v; want HIGH", m.CrisisLevel())
	}

	// Registered but never accepted: the transition is refused, so the
	// pressure relief must not apply either.
	emit(&event.Event{Type: event.TypeQuestCompleted, Data: map[string]any{"quest_id": "q1"}})
	if m.CrisisLevel() != world.CrisisHigh {
		t.Errorf("crisis after refused quest completion = %v; want HIGH", m.CrisisLevel())
	}
	if m.Quest("q1").Status != world.QuestAvailable {
		t.Errorf("quest status = %v; want still AVAILABLE", m.Quest("q1").Status)
	}

	emit(&event.Event{Type: event.TypeQuestCompleted})
	if m.CrisisLevel() != world.CrisisHigh {
		t.Errorf("crisis after quest event without quest_id = %v; want HIGH", m.CrisisLevel())
	}
}

func TestLLMContextMentionsNight(t *testing.T) {
	t.Parallel()
	m := newManager(t, memory.New())
	m.AdvanceTime(14 * 60) // 08:00 + 14h = 22:00

	got := m.LLMContext()
	for _, want := range []string{"【世界状态】", "危机等级: CALM (0)", "夜晚"} {
		if !strings.Contains(got, want) {
			t.Errorf("LLMContext missing %q:\n%s", want, got)
		}
	}
}
