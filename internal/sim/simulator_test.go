package sim_test

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/sim"
	"github.com/vandermeer/talespinner/internal/world"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
)

type fixture struct {
	world  *world.Manager
	events *event.Log
	sim    *sim.Simulator
}

// quiet is a tuning where nothing random ever happens, so tests force the
// single behavior they exercise.
func quiet() sim.Tuning {
	return sim.Tuning{DefaultTickMinutes: 30, MaxTickMinutes: 480}
}

func newFixture(t *testing.T, tuning sim.Tuning) *fixture {
	t.Helper()
	store := memory.New()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	w, err := world.NewManager(world.Config{SessionID: "test", Store: store})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	log, err := event.NewLog(event.LogConfig{SessionID: "test", Store: store, Metrics: met})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	log.Register(w.Listener())
	s, err := sim.New(sim.Config{
		World:   w,
		Events:  log,
		Tuning:  tuning,
		Rand:    rand.New(rand.NewSource(42)),
		Metrics: met,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{world: w, events: log, sim: s}
}

func TestTickAdvancesTimeAndClamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, quiet())

	before := f.world.Time().TotalMinutes()
	f.sim.Tick(ctx, 600)
	if got := f.world.Time().TotalMinutes() - before; got != 480 {
		t.Errorf("oversized tick advanced %d minutes; want clamped 480", got)
	}

	before = f.world.Time().TotalMinutes()
	f.sim.Tick(ctx, 0)
	if got := f.world.Time().TotalMinutes() - before; got != 30 {
		t.Errorf("default tick advanced %d minutes; want 30", got)
	}

	if got := f.sim.Summarize().TickCount; got != 2 {
		t.Errorf("tick count = %d; want 2", got)
	}
}

func TestForcedNPCMovement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tuning := quiet()
	tuning.NPCActivityChance = 1
	tuning.MoveChance = 1
	f := newFixture(t, tuning)

	f.world.RegisterRegion("loc_tavern", "Tavern")
	f.world.RegisterRegion("loc_forest", "Forest")
	f.world.DiscoverRegion("loc_forest")
	f.world.RegisterNPC("npc_smith", "Smith", "loc_tavern")

	f.sim.Tick(ctx, 30)

	npc := f.world.NPC("npc_smith")
	if npc.CurrentLocation != "loc_forest" {
		t.Errorf("NPC location = %q; want loc_forest", npc.CurrentLocation)
	}
	if npc.CurrentAction != "move" {
		t.Errorf("NPC action = %q; want move", npc.CurrentAction)
	}

	tagged, err := f.events.ByTag(ctx, "simulation")
	if err != nil || len(tagged) != 1 {
		t.Fatalf("simulation events = %d, %v; want 1", len(tagged), err)
	}
	if tagged[0].Type != event.TypeCustom || tagged[0].Actor != "npc_npc_smith" {
		t.Errorf("activity event = %+v; want CUSTOM by npc_npc_smith", tagged[0])
	}
}

func TestForcedNPCSocialAdjustsRelationship(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tuning := quiet()
	tuning.NPCActivityChance = 1
	tuning.SocialChance = 1
	f := newFixture(t, tuning)

	f.world.RegisterNPC("npc_smith", "Smith", "loc_tavern")
	f.world.RegisterNPC("npc_guard", "Guard", "loc_tavern")

	f.sim.Tick(ctx, 30)

	for _, id := range []string{"npc_smith", "npc_guard"} {
		if got := f.world.NPC(id).CurrentAction; got != "social" {
			t.Errorf("%s action = %q; want social", id, got)
		}
	}
	ab := f.world.Relationship("npc_smith", "npc_guard")
	ba := f.world.Relationship("npc_guard", "npc_smith")
	for _, v := range []int{ab, ba} {
		if v < -5 || v > 10 {
			t.Errorf("relationship change %d outside single-roll range [-5, 10]", v)
		}
	}
}

func TestForcedWorldEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tuning := quiet()
	tuning.EventBaseChance = 1
	f := newFixture(t, tuning)
	f.world.RegisterRegion("loc_tavern", "Tavern")
	f.world.DiscoverRegion("loc_tavern")

	fired := f.sim.Tick(ctx, 30)
	if len(fired) != 1 {
		t.Fatalf("fired %d world events; want 1", len(fired))
	}
	ev := fired[0]
	if ev.Name == "" || ev.Category == "" {
		t.Errorf("event missing template data: %+v", ev)
	}
	if len(ev.AffectedRegions) == 0 || ev.AffectedRegions[0] != "loc_tavern" {
		t.Errorf("affected regions = %v; want the one discovered region", ev.AffectedRegions)
	}

	logged, err := f.events.ByTag(ctx, "world_event")
	if err != nil || len(logged) != 1 {
		t.Fatalf("logged world events = %d, %v; want 1", len(logged), err)
	}
	if logged[0].Priority != event.PriorityHigh {
		t.Errorf("world event priority = %v; want HIGH", logged[0].Priority)
	}
	if name, _ := logged[0].DataString("name"); name != ev.Name {
		t.Errorf("logged name = %q; want %q", name, ev.Name)
	}
}

func TestCrisisDecayAndEscalation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("forced decay", func(t *testing.T) {
		t.Parallel()
		tuning := quiet()
		tuning.CrisisDecayChance = 1
		f := newFixture(t, tuning)
		f.world.SetCrisisLevel(world.CrisisMedium)

		f.sim.Tick(ctx, 30)
		if got := f.world.CrisisLevel(); got != world.CrisisLow {
			t.Errorf("crisis after forced decay = %v; want LOW", got)
		}
	})

	t.Run("forced escalation", func(t *testing.T) {
		t.Parallel()
		tuning := quiet()
		tuning.CrisisEscalationChance = 1
		f := newFixture(t, tuning)

		f.sim.Tick(ctx, 30)
		if got := f.world.CrisisLevel(); got != world.CrisisLow {
			t.Errorf("crisis after forced escalation = %v; want LOW", got)
		}
	})

	t.Run("calm never decays below floor", func(t *testing.T) {
		t.Parallel()
		tuning := quiet()
		tuning.CrisisDecayChance = 1
		f := newFixture(t, tuning)

		f.sim.Tick(ctx, 30)
		if got := f.world.CrisisLevel(); got != world.CrisisCalm {
			t.Errorf("crisis = %v; want CALM to stay put", got)
		}
	})
}

func TestOnPlayerIdleCapsAtOneDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, quiet())

	before := f.world.Time().TotalMinutes()
	f.sim.OnPlayerIdle(ctx, 48*time.Hour)

	if got := f.world.Time().TotalMinutes() - before; got != 24*60 {
		t.Errorf("idle advanced %d minutes; want capped 1440", got)
	}
	if got := f.sim.Summarize().TickCount; got != 48 {
		t.Errorf("idle ran %d ticks; want 48", got)
	}
	if f.sim.Summarize().Phase != string(sim.PhaseQuiet) {
		t.Errorf("phase = %q; want quiet", f.sim.Summarize().Phase)
	}
}

func TestOnPlayerReturnSummarizes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tuning := quiet()
	tuning.EventBaseChance = 1
	f := newFixture(t, tuning)
	f.world.RegisterRegion("loc_tavern", "Tavern")
	f.world.DiscoverRegion("loc_tavern")

	f.sim.Tick(ctx, 30)
	got := f.sim.OnPlayerReturn()

	for _, want := range []string{"【世界动态】", "时间已经流逝", "当前危机等级"} {
		if !strings.Contains(got, want) {
			t.Errorf("return summary missing %q:\n%s", want, got)
		}
	}
	if f.sim.Summarize().Phase != string(sim.PhaseActive) {
		t.Errorf("phase = %q; want active after return", f.sim.Summarize().Phase)
	}
}
