// Package sim advances the world while the player is not looking: weather
// drifts, NPCs wander and socialize, random world events fire, and the
// crisis level decays or escalates. Every consequence flows through the
// world manager and the event log so narration picks it up on the next turn.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/world"
)

// Phase is the simulator's activity mode.
type Phase string

const (
	PhaseQuiet      Phase = "quiet"
	PhaseActive     Phase = "active"
	PhaseTransition Phase = "transition"
)

// Category classifies a simulated world event.
type Category string

const (
	CategoryNatural   Category = "natural"
	CategoryPolitical Category = "political"
	CategoryEconomic  Category = "economic"
	CategorySocial    Category = "social"
	CategoryMystical  Category = "mystical"
	CategoryCrisis    Category = "crisis"
)

// Activity records one simulated NPC action.
type Activity struct {
	NPCID        string
	Type         string
	Timestamp    time.Time
	FromLocation string
	ToLocation   string
	Description  string
	Targets      []string
}

// WorldEvent records one simulated world event.
type WorldEvent struct {
	ID              string
	Category        Category
	Name            string
	Description     string
	Timestamp       time.Time
	DurationMinutes int
	AffectedRegions []string
	CrisisChange    int
	Narrative       string
}

// Tuning holds the simulation probabilities. All chances are per tick.
type Tuning struct {
	// NPCActivityChance is the per-NPC chance of doing anything this tick.
	NPCActivityChance float64
	// MoveChance and SocialChance partition the activity roll; the rest is
	// routine. MoveChance + SocialChance must not exceed 1.
	MoveChance   float64
	SocialChance float64

	// EventBaseChance is the world-event chance at crisis CALM;
	// CrisisEventBonus is added per crisis level.
	EventBaseChance  float64
	CrisisEventBonus float64

	// CrisisDecayChance scales with distance from EMERGENCY: effective decay
	// is CrisisDecayChance * (EMERGENCY - level + 1).
	CrisisDecayChance      float64
	CrisisEscalationChance float64

	// DefaultTickMinutes is used when Tick is called with minutes <= 0;
	// MaxTickMinutes caps any single tick.
	DefaultTickMinutes int
	MaxTickMinutes     int
}

// DefaultTuning returns the standard probabilities.
func DefaultTuning() Tuning {
	return Tuning{
		NPCActivityChance:      0.3,
		MoveChance:             0.15,
		SocialChance:           0.1,
		EventBaseChance:        0.1,
		CrisisEventBonus:       0.05,
		CrisisDecayChance:      0.05,
		CrisisEscalationChance: 0.1,
		DefaultTickMinutes:     30,
		MaxTickMinutes:         480,
	}
}

// Config configures a [Simulator].
type Config struct {
	// World is the state being simulated. Required.
	World *world.Manager

	// Events receives CUSTOM NPC activity events and WORLD_EVENT emissions.
	// Required.
	Events *event.Log

	// Tuning defaults to DefaultTuning().
	Tuning Tuning

	// Rand is the randomness source. Test hook; defaults to a time-seeded
	// source.
	Rand *rand.Rand

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Now is the wall clock for history records. Test hook; defaults to
	// time.Now.
	Now func() time.Time
}

// Simulator drives the background world. Tick is safe to call from a
// companion goroutine; internal history is mutex-guarded and all world
// mutations go through the manager's own lock.
type Simulator struct {
	world   *world.Manager
	events  *event.Log
	tuning  Tuning
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	phase      Phase
	tickCount  int
	activities []Activity
	worldEvts  []WorldEvent
}

const maxHistory = 50

// New validates cfg and returns an active-phase simulator.
func New(cfg Config) (*Simulator, error) {
	if cfg.World == nil {
		return nil, fmt.Errorf("sim: World must not be nil")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("sim: Events must not be nil")
	}
	if cfg.Tuning == (Tuning{}) {
		cfg.Tuning = DefaultTuning()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{
		world:   cfg.World,
		events:  cfg.Events,
		tuning:  cfg.Tuning,
		log:     cfg.Logger.With("component", "sim"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		rng:     cfg.Rand,
		phase:   PhaseActive,
	}, nil
}

// Tick simulates one slice of world time: advance the clock, drift weather,
// run NPC activities, maybe fire a world event, then drift the crisis level.
// minutes <= 0 uses the default tick length; oversized ticks are clamped.
// Returns the world events that fired.
func (s *Simulator) Tick(ctx context.Context, minutes int) []WorldEvent {
	if minutes <= 0 {
		minutes = s.tuning.DefaultTickMinutes
	}
	if minutes > s.tuning.MaxTickMinutes {
		minutes = s.tuning.MaxTickMinutes
	}

	s.mu.Lock()
	s.tickCount++
	s.mu.Unlock()

	s.world.AdvanceTime(minutes)
	s.driftWeather()

	activities := s.runNPCActivities(ctx)
	fired := s.runWorldEvents(ctx)
	s.driftCrisis()

	s.mu.Lock()
	s.activities = append(s.activities, activities...)
	s.worldEvts = append(s.worldEvts, fired...)
	if len(s.activities) > maxHistory {
		s.activities = s.activities[len(s.activities)-maxHistory:]
	}
	if len(s.worldEvts) > maxHistory {
		s.worldEvts = s.worldEvts[len(s.worldEvts)-maxHistory:]
	}
	s.mu.Unlock()

	s.metrics.SimulationTicks.Add(ctx, 1)
	s.log.Debug("simulated tick",
		"minutes", minutes,
		"activities", len(activities),
		"world_events", len(fired),
		"crisis", s.world.CrisisLevel().String(),
	)
	return fired
}

// driftWeather gives every region a 10% chance of new weather, biased
// towards haunted skies when the crisis runs high.
func (s *Simulator) driftWeather() {
	highCrisis := s.world.CrisisLevel() >= world.CrisisHigh
	for _, r := range s.world.Regions() {
		s.mu.Lock()
		roll := s.rng.Float64()
		var pick weatherPick
		if roll < 0.1 {
			if highCrisis {
				pick = s.pickWeather([]int{10, 15, 20, 15, 5, 10, 25})
			} else {
				pick = s.pickWeather([]int{30, 25, 15, 5, 5, 10, 10})
			}
		}
		s.mu.Unlock()
		if pick.ok {
			s.world.SetRegionWeather(r.ID, pick.weather)
		}
	}
}

// weatherPick is the result of one weighted weather roll.
type weatherPick struct {
	weather world.WeatherType
	ok      bool
}

func (s *Simulator) pickWeather(weights []int) weatherPick {
	idx := weightedIndex(s.rng, weights)
	return weatherPick{weather: world.Weathers[idx], ok: true}
}

// runNPCActivities rolls every living NPC for movement, socializing or a
// daily routine, applies the result and emits a CUSTOM event per activity.
func (s *Simulator) runNPCActivities(ctx context.Context) []Activity {
	var out []Activity
	for _, npc := range s.world.NPCs() {
		if !npc.Alive {
			continue
		}
		s.mu.Lock()
		active := s.rng.Float64() < s.tuning.NPCActivityChance
		var roll float64
		if active {
			roll = s.rng.Float64()
		}
		s.mu.Unlock()
		if !active {
			continue
		}

		var a *Activity
		switch {
		case roll < s.tuning.MoveChance:
			a = s.npcMovement(npc)
		case roll < s.tuning.MoveChance+s.tuning.SocialChance:
			a = s.npcSocial(npc)
		default:
			a = s.npcRoutine(npc)
		}
		if a == nil {
			continue
		}
		s.applyActivity(ctx, a, npc)
		out = append(out, *a)
	}
	return out
}

func (s *Simulator) npcMovement(npc *world.NPCState) *Activity {
	var candidates []string
	for _, r := range s.world.Regions() {
		if r.ID != npc.CurrentLocation && r.Discovered {
			candidates = append(candidates, r.ID)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	target := candidates[s.rng.Intn(len(candidates))]
	s.mu.Unlock()
	return &Activity{
		NPCID:        npc.ID,
		Type:         "move",
		Timestamp:    s.now(),
		FromLocation: npc.CurrentLocation,
		ToLocation:   target,
		Description:  fmt.Sprintf("%s 从 %s 前往了 %s", npc.Name, npc.CurrentLocation, target),
	}
}

var socialActions = []struct {
	action   string
	template string
}{
	{"gossip", "与 %s 闲聊"},
	{"trade", "与 %s 交易"},
	{"argue", "与 %s 争论"},
	{"cooperate", "与 %s 合作"},
}

func (s *Simulator) npcSocial(npc *world.NPCState) *Activity {
	var nearby []*world.NPCState
	for _, other := range s.world.NPCs() {
		if other.ID != npc.ID && other.Alive && other.CurrentLocation == npc.CurrentLocation {
			nearby = append(nearby, other)
		}
	}
	if len(nearby) == 0 {
		return nil
	}
	s.mu.Lock()
	target := nearby[s.rng.Intn(len(nearby))]
	act := socialActions[s.rng.Intn(len(socialActions))]
	s.mu.Unlock()
	return &Activity{
		NPCID:       npc.ID,
		Type:        "social",
		Timestamp:   s.now(),
		Description: fmt.Sprintf("%s "+act.template, npc.Name, target.Name),
		Targets:     []string{target.ID},
	}
}

func (s *Simulator) npcRoutine(npc *world.NPCState) *Activity {
	hour := s.world.Time().Hour()
	var options []struct {
		action      string
		description string
	}
	switch {
	case 6 <= hour && hour < 12:
		options = []struct{ action, description string }{
			{"work", "正在工作"}, {"gather", "正在收集资源"}, {"patrol", "正在巡逻"},
		}
	case 12 <= hour && hour < 18:
		options = []struct{ action, description string }{
			{"work", "正在工作"}, {"trade", "正在交易"}, {"rest", "正在休息"},
		}
	default:
		options = []struct{ action, description string }{
			{"rest", "正在休息"}, {"socialize", "正在社交"}, {"guard", "正在守夜"},
		}
	}
	s.mu.Lock()
	pick := options[s.rng.Intn(len(options))]
	s.mu.Unlock()
	return &Activity{
		NPCID:       npc.ID,
		Type:        pick.action,
		Timestamp:   s.now(),
		Description: fmt.Sprintf("%s %s", npc.Name, pick.description),
	}
}

func (s *Simulator) applyActivity(ctx context.Context, a *Activity, npc *world.NPCState) {
	switch a.Type {
	case "move":
		if a.ToLocation != "" {
			s.world.MoveNPC(npc.ID, a.ToLocation)
		}
	case "social":
		for _, target := range a.Targets {
			s.mu.Lock()
			// Socializing skews slightly positive.
			change := s.rng.Intn(16) - 5
			s.mu.Unlock()
			current := s.world.Relationship(npc.ID, target)
			s.world.SetRelationship(npc.ID, target, current+change)
		}
	}
	s.world.SetNPCAction(npc.ID, a.Type)

	if err := s.events.Emit(ctx, &event.Event{
		Type:        event.TypeCustom,
		Actor:       "npc_" + npc.ID,
		Location:    npc.CurrentLocation,
		Description: a.Description,
		Data: map[string]any{
			"activity":    a.Type,
			"description": a.Description,
		},
		Tags: []string{"npc", "simulation", a.Type},
	}); err != nil {
		s.log.Warn("npc activity event failed", "npc", npc.ID, "error", err)
	}
}

// runWorldEvents rolls for a world event with the crisis-boosted chance and
// fires at most one per tick.
func (s *Simulator) runWorldEvents(ctx context.Context) []WorldEvent {
	chance := s.tuning.EventBaseChance + float64(s.world.CrisisLevel())*s.tuning.CrisisEventBonus
	s.mu.Lock()
	fire := s.rng.Float64() < chance
	s.mu.Unlock()
	if !fire {
		return nil
	}
	ev := s.generateEvent()
	if ev == nil {
		return nil
	}
	s.applyWorldEvent(ctx, ev)
	return []WorldEvent{*ev}
}

func (s *Simulator) generateEvent() *WorldEvent {
	crisis := int(s.world.CrisisLevel())

	categories := []Category{
		CategoryNatural, CategoryPolitical, CategoryEconomic,
		CategorySocial, CategoryMystical, CategoryCrisis,
	}
	weights := []int{
		30 - crisis*3, // natural recedes as the crisis takes over
		15,
		15,
		20,
		5 + crisis*2,
		5 + crisis*4,
	}

	s.mu.Lock()
	category := categories[weightedIndex(s.rng, weights)]
	templates := eventTemplates[category]
	tmpl := templates[s.rng.Intn(len(templates))]
	s.mu.Unlock()

	var discovered []string
	for _, r := range s.world.Regions() {
		if r.Discovered {
			discovered = append(discovered, r.ID)
		}
	}
	var affected []string
	if len(discovered) > 0 {
		s.mu.Lock()
		n := 1 + s.rng.Intn(min(3, len(discovered)))
		s.rng.Shuffle(len(discovered), func(i, j int) {
			discovered[i], discovered[j] = discovered[j], discovered[i]
		})
		s.mu.Unlock()
		affected = discovered[:n]
	}

	s.mu.Lock()
	id := fmt.Sprintf("we_%d_%04d", s.now().Unix(), 1000+s.rng.Intn(9000))
	s.mu.Unlock()

	return &WorldEvent{
		ID:              id,
		Category:        category,
		Name:            tmpl.name,
		Description:     tmpl.description,
		Timestamp:       s.now(),
		DurationMinutes: tmpl.duration,
		AffectedRegions: affected,
		CrisisChange:    tmpl.crisisChange,
		Narrative:       tmpl.narrative,
	}
}

// applyWorldEvent bumps danger in the affected regions and emits the
// WORLD_EVENT. The crisis shift itself rides in the event payload; the world
// manager's listener applies it, keeping a single write path for the level.
func (s *Simulator) applyWorldEvent(ctx context.Context, ev *WorldEvent) {
	for _, id := range ev.AffectedRegions {
		r := s.world.Region(id)
		if r == nil {
			continue
		}
		switch {
		case ev.CrisisChange > 0:
			s.world.SetRegionDanger(id, r.DangerLevel+1)
		case ev.CrisisChange < 0:
			s.world.SetRegionDanger(id, r.DangerLevel-1)
		}
	}

	location := "unknown"
	if len(ev.AffectedRegions) > 0 {
		location = ev.AffectedRegions[0]
	}
	if err := s.events.Emit(ctx, &event.Event{
		Type:        event.TypeWorldEvent,
		Actor:       "world_simulator",
		Location:    location,
		Description: ev.Description,
		Priority:    event.PriorityHigh,
		Data: map[string]any{
			"event_id":      ev.ID,
			"category":      string(ev.Category),
			"name":          ev.Name,
			"description":   ev.Description,
			"crisis_change": ev.CrisisChange,
			"narrative":     ev.Narrative,
		},
		Tags: []string{"world_event", "simulation", string(ev.Category)},
	}); err != nil {
		s.log.Warn("world event emission failed", "event", ev.ID, "error", err)
	}
}

// driftCrisis decays the crisis (easier at low levels) and rolls for
// escalation.
func (s *Simulator) driftCrisis() {
	level := s.world.CrisisLevel()

	if level > world.CrisisCalm {
		decay := s.tuning.CrisisDecayChance * float64(int(world.CrisisEmergency)-int(level)+1)
		s.mu.Lock()
		hit := s.rng.Float64() < decay
		s.mu.Unlock()
		if hit {
			s.world.SetCrisisLevel(level - 1)
			level = s.world.CrisisLevel()
		}
	}

	if level < world.CrisisEmergency {
		s.mu.Lock()
		hit := s.rng.Float64() < s.tuning.CrisisEscalationChance
		s.mu.Unlock()
		if hit {
			s.world.SetCrisisLevel(level + 1)
		}
	}
}

// Summary describes the simulator for the /world command.
type Summary struct {
	TickCount        int    `json:"tick_count"`
	Phase            string `json:"phase"`
	RecentActivities int    `json:"recent_activities"`
	RecentEvents     int    `json:"recent_events"`
	WorldTime        string `json:"world_time"`
	CrisisLevel      string `json:"crisis_level"`
}

// Summarize reports the simulation state.
func (s *Simulator) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		TickCount:        s.tickCount,
		Phase:            string(s.phase),
		RecentActivities: len(s.activities),
		RecentEvents:     len(s.worldEvts),
		WorldTime:        s.world.Time().String(),
		CrisisLevel:      s.world.CrisisLevel().String(),
	}
}

// RecentNarrative renders the last few world events and NPC activities for
// prompt injection. Empty when nothing has happened.
func (s *Simulator) RecentNarrative() string {
	s.mu.Lock()
	events := s.worldEvts
	if len(events) > 5 {
		events = events[len(events)-5:]
	}
	activities := s.activities
	if len(activities) > 5 {
		activities = activities[len(activities)-5:]
	}
	s.mu.Unlock()

	if len(events) == 0 && len(activities) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("【世界动态】")
	if len(events) > 0 {
		b.WriteString("\n🌍 近期世界事件:")
		for _, ev := range events {
			fmt.Fprintf(&b, "\n  [%02d:%02d] %s: %s", ev.Timestamp.Hour(), ev.Timestamp.Minute(), ev.Name, ev.Description)
		}
	}
	if len(activities) > 0 {
		b.WriteString("\n\n👥 近期NPC活动:")
		for _, a := range activities {
			if npc := s.world.NPC(a.NPCID); npc != nil {
				fmt.Fprintf(&b, "\n  %s - %s", npc.Name, a.Description)
			}
		}
	}
	return b.String()
}

// OnPlayerIdle fast-forwards the world through an idle stretch in 30-minute
// ticks, capped at 24 hours, and returns the events that fired.
func (s *Simulator) OnPlayerIdle(ctx context.Context, idle time.Duration) []WorldEvent {
	s.mu.Lock()
	s.phase = PhaseQuiet
	s.mu.Unlock()

	idleMinutes := int(idle.Minutes())
	if idleMinutes > 24*60 {
		idleMinutes = 24 * 60
	}
	var out []WorldEvent
	for i := 0; i < idleMinutes/30; i++ {
		out = append(out, s.Tick(ctx, 30)...)
	}
	return out
}

// OnPlayerReturn switches back to the active phase and returns a summary of
// what happened while the player was away.
func (s *Simulator) OnPlayerReturn() string {
	s.mu.Lock()
	s.phase = PhaseActive
	s.mu.Unlock()

	narrative := s.RecentNarrative()
	return narrative +
		fmt.Sprintf("\n⏰ 时间已经流逝，现在是 %s", s.world.Time()) +
		fmt.Sprintf("\n⚠️ 当前危机等级: %s", s.world.CrisisLevel())
}

// OnPlayerAction marks the simulation active again after player input.
func (s *Simulator) OnPlayerAction() {
	s.mu.Lock()
	s.phase = PhaseActive
	s.mu.Unlock()
}

// weightedIndex picks an index with probability proportional to its weight.
// Non-positive weights are treated as zero; all-zero weights pick uniformly.
func weightedIndex(rng *rand.Rand, weights []int) int {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		return rng.Intn(len(weights))
	}
	roll := rng.Intn(total)
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if roll < w {
			return i
		}
		roll -= w
	}
	return len(weights) - 1
}

type eventTemplate struct {
	name         string
	description  string
	duration     int
	crisisChange int
	narrative    string
}

var eventTemplates = map[Category][]eventTemplate{
	CategoryNatural: {
		{"暴风雨来临", "一场突如其来的暴风雨席卷了这片区域", 120, 0, "乌云密布，雷声隆隆，一场暴风雨正在逼近..."},
		{"丰收季节", "风调雨顺，农田迎来了大丰收", 0, -1, "金黄的麦浪在风中起伏，这是一年中最美好的时节。"},
		{"地震", "大地突然剧烈震动", 30, 1, "地面开始颤抖，远处传来隆隆的声响..."},
	},
	CategoryPolitical: {
		{"边境冲突", "边境地区发生了小规模冲突", 0, 1, "有消息传来，边境那边不太平..."},
		{"和平协议", "各方达成了暂时的和平协议", 0, -1, "使者们奔波往来，终于达成了共识。"},
	},
	CategoryEconomic: {
		{"商队到达", "一支大型商队抵达，带来了各种奇珍异宝", 0, 0, "远处的尘土飞扬，一支商队正在靠近..."},
		{"物资短缺", "某些物资出现了短缺", 0, 0, "市场上议论纷纷，有些东西买不到了。"},
	},
	CategorySocial: {
		{"节日庆典", "当地正在举行节日庆典", 180, -1, "锣鼓喧天，彩旗飘扬，人们正在庆祝节日。"},
		{"流言四起", "关于某个神秘事件的流言开始传播", 0, 0, "人们在角落里窃窃私语，似乎在讨论什么秘密..."},
	},
	CategoryMystical: {
		{"魔法波动", "空气中感受到了不寻常的魔法波动", 60, 1, "空气中弥漫着一种奇怪的能量，让人不安..."},
		{"异象出现", "天空中出现了奇怪的异象", 0, 1, "天空中的云彩呈现出诡异的形状，似乎在预示着什么..."},
	},
	CategoryCrisis: {
		{"危机加剧", "主线危机有了新的发展", 0, 2, "远方传来的消息令人担忧，情况正在恶化..."},
		{"转机出现", "在危机中看到了一丝希望", 0, -1, "在黑暗中，似乎有了一线曙光..."},
	},
}
