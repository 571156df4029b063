package cognition_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vandermeer/talespinner/internal/cognition"
	"github.com/vandermeer/talespinner/pkg/storage/blob"
	"github.com/vandermeer/talespinner/pkg/storage/blob/local"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
)

func newSystem(t *testing.T, sessionID string, store kv.Store, saves blob.Store) *cognition.System {
	t.Helper()
	sys, err := cognition.NewSystem(cognition.Config{
		SessionID: sessionID,
		Store:     store,
		Saves:     saves,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	return sys
}

func newSaves(t *testing.T) blob.Store {
	t.Helper()
	saves, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	return saves
}

func TestHistoryWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sys := newSystem(t, "s1", memory.New(), nil)

	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := sys.AddMessage(ctx, role, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	all, err := sys.AllHistory(ctx)
	if err != nil || len(all) != 12 {
		t.Fatalf("AllHistory = %d messages, %v; want 12", len(all), err)
	}
	if all[0].Content != "msg 0" || all[11].Content != "msg 11" {
		t.Errorf("history out of order: first %q last %q", all[0].Content, all[11].Content)
	}

	recent, err := sys.RecentHistory(ctx, 10)
	if err != nil || len(recent) != 10 {
		t.Fatalf("RecentHistory = %d messages, %v; want 10", len(recent), err)
	}
	if recent[0].Content != "msg 2" {
		t.Errorf("recent window starts at %q; want msg 2", recent[0].Content)
	}

	n, err := sys.HistoryLen(ctx)
	if err != nil || n != 12 {
		t.Errorf("HistoryLen = %d, %v; want 12", n, err)
	}
}

func TestStateEncodingAndDecoding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	sys := newSystem(t, "s1", store, nil)

	err := sys.UpdateState(ctx, map[string]any{
		"hp":         90,
		"location":   "loc_tavern",
		"attributes": map[string]any{"str": 12, "wis": 8},
		"inventory":  []any{"lantern", "rope"},
		"gold":       42.0,
		"cursed":     true,
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	state, err := sys.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if hp, ok := state["hp"].(int); !ok || hp != 90 {
		t.Errorf("hp = %v (%T); want int 90", state["hp"], state["hp"])
	}
	if gold, ok := state["gold"].(int); !ok || gold != 42 {
		t.Errorf("gold = %v (%T); want int 42", state["gold"], state["gold"])
	}
	if state["location"] != "loc_tavern" {
		t.Errorf("location = %v; want loc_tavern", state["location"])
	}
	if state["cursed"] != "true" {
		t.Errorf("cursed = %v; want string \"true\"", state["cursed"])
	}
	attrs, ok := state["attributes"].(map[string]any)
	if !ok || attrs["str"] != float64(12) {
		t.Errorf("attributes = %v (%T); want decoded map", state["attributes"], state["attributes"])
	}
	inv, ok := state["inventory"].([]any)
	if !ok || len(inv) != 2 {
		t.Errorf("inventory = %v (%T); want decoded list", state["inventory"], state["inventory"])
	}
}

func TestUndecodableFieldsStayStrings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	sys := newSystem(t, "s1", store, nil)

	err := store.HSet(ctx, "rpg:state:s1", map[string]string{
		"quests": "{broken json",
		"hp":     "not-a-number",
	})
	if err != nil {
		t.Fatalf("HSet: %v", err)
	}

	state, err := sys.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state["quests"] != "{broken json" {
		t.Errorf("quests = %v; want the raw string preserved", state["quests"])
	}
	if state["hp"] != "not-a-number" {
		t.Errorf("hp = %v; want the raw string preserved", state["hp"])
	}
}

func TestArchiveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	saves := newSaves(t)
	sys := newSystem(t, "s1", store, saves)

	if err := sys.AddMessage(ctx, "user", "look around"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := sys.AddMessage(ctx, "assistant", "You see a muddy path."); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	err := sys.UpdateState(ctx, map[string]any{"hp": 80, "location": "loc_tavern"})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	name, err := sys.Archive(ctx)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if name != "saves/s1.json" {
		t.Errorf("object name = %q; want saves/s1.json", name)
	}

	var raw map[string]any
	if err := saves.GetJSON(ctx, name, &raw); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if v, _ := raw["schema_version"].(float64); int(v) != cognition.SchemaVersion {
		t.Errorf("schema_version = %v; want %d", raw["schema_version"], cognition.SchemaVersion)
	}

	if err := sys.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if n, _ := sys.HistoryLen(ctx); n != 0 {
		t.Fatalf("history survived ClearSession: %d entries", n)
	}

	archive, err := sys.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if archive.Metadata.Location != "loc_tavern" {
		t.Errorf("metadata location = %q; want loc_tavern", archive.Metadata.Location)
	}
	history, err := sys.AllHistory(ctx)
	if err != nil || len(history) != 2 {
		t.Fatalf("restored history = %d messages, %v; want 2", len(history), err)
	}
	if history[1].Role != "assistant" || history[1].Content != "You see a muddy path." {
		t.Errorf("restored message = %+v", history[1])
	}
	state, err := sys.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if hp, ok := state["hp"].(int); !ok || hp != 80 {
		t.Errorf("restored hp = %v; want 80", state["hp"])
	}
}

func TestArchivePlaytimeAccumulates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	saves := newSaves(t)
	sys := newSystem(t, "s1", memory.New(), saves)

	for i := 0; i < 3; i++ {
		if _, err := sys.Archive(ctx); err != nil {
			t.Fatalf("Archive %d: %v", i, err)
		}
	}

	var archive cognition.Archive
	if err := saves.GetJSON(ctx, "saves/s1.json", &archive); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if archive.Metadata.PlaytimeMinutes != 3 {
		t.Errorf("playtime = %d; want 3 after three saves", archive.Metadata.PlaytimeMinutes)
	}
}

func TestListSaves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	saves := newSaves(t)

	for _, id := range []string{"alpha", "beta"} {
		sys := newSystem(t, id, memory.New(), saves)
		err := sys.UpdateState(ctx, map[string]any{"hp": 70, "sanity": 55, "location": "loc_" + id})
		if err != nil {
			t.Fatalf("UpdateState: %v", err)
		}
		if _, err := sys.Archive(ctx); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}

	infos, err := cognition.ListSaves(ctx, saves, nil)
	if err != nil {
		t.Fatalf("ListSaves: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("ListSaves returned %d entries; want 2", len(infos))
	}
	byID := map[string]cognition.SaveInfo{}
	for _, info := range infos {
		byID[info.SessionID] = info
	}
	alpha, ok := byID["alpha"]
	if !ok {
		t.Fatalf("missing save for alpha: %v", infos)
	}
	if alpha.HP != 70 || alpha.Sanity != 55 || alpha.Location != "loc_alpha" {
		t.Errorf("alpha info = %+v", alpha)
	}
}

func TestDeleteSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	saves := newSaves(t)
	sys := newSystem(t, "s1", memory.New(), saves)

	if _, err := sys.Archive(ctx); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := sys.DeleteSave(ctx); err != nil {
		t.Fatalf("DeleteSave: %v", err)
	}
	if _, err := sys.LoadSession(ctx); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("LoadSession after delete = %v; want blob.ErrNotFound", err)
	}
}

func TestArchiveWithoutSaveStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sys := newSystem(t, "s1", memory.New(), nil)

	if _, err := sys.Archive(ctx); !errors.Is(err, cognition.ErrNoSaveStore) {
		t.Errorf("Archive = %v; want ErrNoSaveStore", err)
	}
	if _, err := sys.LoadSession(ctx); !errors.Is(err, cognition.ErrNoSaveStore) {
		t.Errorf("LoadSession = %v; want ErrNoSaveStore", err)
	}
}
