package content_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vandermeer/talespinner/internal/content"
	"github.com/vandermeer/talespinner/internal/observe"
)

// clock is a manually advanced time source shared with the code under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newStrategy(t *testing.T, settings content.Settings, clk *clock) *content.Strategy {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s, err := content.New(content.Config{Settings: settings, Metrics: met, Now: clk.now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLoadContextHash(t *testing.T) {
	t.Parallel()

	base := content.LoadContext{
		PlayerID:    "p1",
		Location:    "loc_tavern",
		CrisisLevel: 2,
		TimeHours:   14,
		Flags:       []string{"gate_open", "ally_met"},
	}
	reordered := base
	reordered.Flags = []string{"ally_met", "gate_open"}
	if base.Hash() != reordered.Hash() {
		t.Error("flag order changed the context hash")
	}

	moved := base
	moved.Location = "loc_forest"
	if base.Hash() == moved.Hash() {
		t.Error("different locations produced the same hash")
	}

	later := base
	later.TimeHours = 15
	if base.Hash() == later.Hash() {
		t.Error("different hours produced the same hash")
	}
}

func TestCacheTTLAndEviction(t *testing.T) {
	t.Parallel()
	clk := newClock()
	settings := content.DefaultSettings()
	settings.MaxEntries = 3
	cache := content.NewCache(settings, nil, clk.now)

	cache.Put("narr", "a quiet evening", content.TypeNarrative, "", 0)
	clk.advance(6 * time.Minute) // narrative TTL is 5 minutes
	if entry := cache.Get("narr"); entry == nil || !entry.Expired(clk.now()) {
		t.Error("narrative entry not expired after its TTL")
	}
	if got := cache.ByType(content.TypeNarrative); len(got) != 0 {
		t.Errorf("ByType returned %d expired entries; want 0", len(got))
	}

	// Fill to capacity, touch two entries, and insert one more. The untouched
	// entry is the eviction victim.
	cache.Put("a", "alpha", content.TypeCustom, "", 0)
	cache.Put("b", "beta", content.TypeCustom, "", 0)
	cache.Get("narr")
	cache.Get("a")
	cache.Put("c", "gamma", content.TypeCustom, "", 0)

	if cache.Get("b") != nil {
		t.Error("least-used entry b survived eviction")
	}
	if cache.Get("a") == nil || cache.Get("c") == nil {
		t.Error("touched or fresh entries were evicted")
	}

	if n := cache.CleanupExpired(); n != 1 {
		t.Errorf("CleanupExpired removed %d entries; want 1 (narr)", n)
	}
}

func TestJaccardAndFindSimilar(t *testing.T) {
	t.Parallel()

	if got := content.Jaccard("dark misty forest", "dark misty forest"); got != 1 {
		t.Errorf("identical texts scored %v; want 1", got)
	}
	if got := content.Jaccard("", "anything"); got != 0 {
		t.Errorf("empty text scored %v; want 0", got)
	}

	clk := newClock()
	cache := content.NewCache(content.DefaultSettings(), nil, clk.now)
	cache.Put("k1", "an old dark misty forest path", content.TypeLocation, "", 0)
	cache.Put("k2", map[string]any{"name": "sunny meadow", "description": "bright open field"}, content.TypeLocation, "", 0)
	cache.Put("k3", 42, content.TypeLocation, "", 0) // not comparable, skipped

	matches := content.FindSimilar("an old dark misty forest path", cache.ByType(content.TypeLocation), 0.8, 3)
	if len(matches) != 1 || matches[0].Entry.Key != "k1" {
		t.Fatalf("matches = %+v; want only k1", matches)
	}
	if matches[0].Score != 1 {
		t.Errorf("score = %v; want 1", matches[0].Score)
	}
}

func TestRateLimiterWindowAndInterval(t *testing.T) {
	t.Parallel()
	clk := newClock()
	rl := content.NewRateLimiter(3, 100*time.Millisecond, clk.now)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d blocked below the window limit", i)
		}
		rl.Record()
		clk.advance(200 * time.Millisecond)
	}
	if rl.Allow() {
		t.Error("fourth call allowed within the minute window")
	}
	if wait := rl.WaitTime(); wait <= 0 || wait > time.Minute {
		t.Errorf("WaitTime = %v; want within (0, 1m]", wait)
	}

	clk.advance(time.Minute)
	if !rl.Allow() {
		t.Error("call blocked after the window slid past old calls")
	}
	rl.Record()
	clk.advance(50 * time.Millisecond)
	if rl.Allow() {
		t.Error("call allowed inside the minimum interval")
	}
}

func TestDecideReasons(t *testing.T) {
	t.Parallel()
	clk := newClock()
	s := newStrategy(t, content.DefaultSettings(), clk)
	lctx := content.LoadContext{PlayerID: "p1", Location: "loc_tavern"}

	if gen, reason := s.Decide("k", lctx, content.TypeNPC, true); !gen || reason != content.ReasonForceRefresh {
		t.Errorf("forced = (%v, %q); want (true, FORCE_REFRESH)", gen, reason)
	}
	if gen, reason := s.Decide("k", lctx, content.TypeNPC, false); !gen || reason != content.ReasonCacheMiss {
		t.Errorf("empty cache = (%v, %q); want (true, CACHE_MISS)", gen, reason)
	}

	s.Cache().Put("k", "the blacksmith", content.TypeNPC, lctx.Hash(), 0)
	if gen, reason := s.Decide("k", lctx, content.TypeNPC, false); gen || reason != content.ReasonNone {
		t.Errorf("fresh entry = (%v, %q); want (false, none)", gen, reason)
	}

	moved := lctx
	moved.Location = "loc_forest"
	if gen, reason := s.Decide("k", moved, content.TypeNPC, false); !gen || reason != content.ReasonContextChange {
		t.Errorf("changed context = (%v, %q); want (true, CONTEXT_CHANGE)", gen, reason)
	}

	clk.advance(31 * time.Minute) // NPC TTL is 30 minutes
	if gen, reason := s.Decide("k", lctx, content.TypeNPC, false); !gen || reason != content.ReasonStaleCache {
		t.Errorf("expired entry = (%v, %q); want (true, STALE_CACHE)", gen, reason)
	}
}

func TestGetOrGenerate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newClock()
	s := newStrategy(t, content.DefaultSettings(), clk)
	lctx := content.LoadContext{PlayerID: "p1", Location: "loc_tavern"}

	calls := 0
	gen := func(context.Context) (any, error) {
		calls++
		return "generated npc", nil
	}

	value, generated, err := s.GetOrGenerate(ctx, "npc:k", lctx, content.TypeNPC, gen, false)
	if err != nil || !generated || value != "generated npc" {
		t.Fatalf("first call = (%v, %v, %v); want fresh generation", value, generated, err)
	}

	clk.advance(time.Second)
	value, generated, err = s.GetOrGenerate(ctx, "npc:k", lctx, content.TypeNPC, gen, false)
	if err != nil || generated || value != "generated npc" || calls != 1 {
		t.Fatalf("second call = (%v, %v, %v) after %d generations; want cached", value, generated, err, calls)
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 0.5 {
		t.Errorf("stats = %+v; want 1 hit, 1 miss, 0.5 hit rate", stats)
	}

	failing := func(context.Context) (any, error) { return nil, errors.New("llm down") }
	if _, _, err := s.GetOrGenerate(ctx, "npc:other", lctx, content.TypeNPC, failing, false); err == nil {
		t.Error("generator error not propagated")
	}
}

func TestGetOrGenerateRateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newClock()
	settings := content.DefaultSettings()
	settings.MaxCallsPerMinute = 1
	s := newStrategy(t, settings, clk)
	lctx := content.LoadContext{PlayerID: "p1", Location: "loc_tavern"}

	gen := func(context.Context) (any, error) { return "fresh", nil }

	if _, _, err := s.GetOrGenerate(ctx, "k", lctx, content.TypeNPC, gen, false); err != nil {
		t.Fatalf("first generation: %v", err)
	}

	// Forced refresh while rate limited falls back to the cached value.
	clk.advance(time.Second)
	value, generated, err := s.GetOrGenerate(ctx, "k", lctx, content.TypeNPC, gen, true)
	if err != nil || generated || value != "fresh" {
		t.Errorf("blocked refresh = (%v, %v, %v); want stale cached value", value, generated, err)
	}

	// With nothing cached the block surfaces as an error.
	if _, _, err := s.GetOrGenerate(ctx, "uncached", lctx, content.TypeNPC, gen, false); !errors.Is(err, content.ErrRateLimited) {
		t.Errorf("uncached blocked call = %v; want ErrRateLimited", err)
	}
	if got := s.Stats().Blocked; got != 2 {
		t.Errorf("blocked count = %d; want 2", got)
	}
}

func TestFindSimilarReuse(t *testing.T) {
	t.Parallel()
	clk := newClock()
	s := newStrategy(t, content.DefaultSettings(), clk)

	s.Cache().Put("k", "a dark misty forest path", content.TypeLocation, "", 0)

	value, score, ok := s.FindSimilar("a dark misty forest path", content.TypeLocation, 0)
	if !ok || score != 1 || value != "a dark misty forest path" {
		t.Errorf("FindSimilar = (%v, %v, %v); want exact reuse", value, score, ok)
	}
	if _, _, ok := s.FindSimilar("glittering underwater cavern", content.TypeLocation, 0); ok {
		t.Error("unrelated query reused cached content")
	}
	if got := s.Stats().SimilarReused; got != 1 {
		t.Errorf("similar reused = %d; want 1", got)
	}
}
