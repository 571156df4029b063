// Command talespinner runs an LLM-driven tabletop RPG session on the
// terminal: one line of input per turn, the DM's narration in response.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/vandermeer/talespinner/internal/cognition"
	"github.com/vandermeer/talespinner/internal/config"
	"github.com/vandermeer/talespinner/internal/content"
	"github.com/vandermeer/talespinner/internal/event"
	"github.com/vandermeer/talespinner/internal/health"
	"github.com/vandermeer/talespinner/internal/loader"
	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/plugin"
	"github.com/vandermeer/talespinner/internal/resilience"
	"github.com/vandermeer/talespinner/internal/runtime"
	"github.com/vandermeer/talespinner/internal/sim"
	"github.com/vandermeer/talespinner/internal/world"
	"github.com/vandermeer/talespinner/internal/worldmap"
	"github.com/vandermeer/talespinner/pkg/provider/llm"
	"github.com/vandermeer/talespinner/pkg/provider/llm/anyllm"
	"github.com/vandermeer/talespinner/pkg/provider/llm/openai"
	"github.com/vandermeer/talespinner/pkg/storage/blob"
	"github.com/vandermeer/talespinner/pkg/storage/blob/local"
	"github.com/vandermeer/talespinner/pkg/storage/blob/s3"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
	kvredis "github.com/vandermeer/talespinner/pkg/storage/kv/redis"
)

const version = "0.1.0"

// startLocation is the node a fresh session begins at. Seeded by
// bootstrapWorld when the graph is empty.
const startLocation = "loc_start"

// Real time between background simulation ticks, and how long without input
// counts as the player stepping away.
const (
	simTickInterval = time.Minute
	idleAfter       = 3 * time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sessionFlag := flag.String("session", "", "session id (defaults to session.default_id from the config)")
	offline := flag.Bool("offline", false, "run without an LLM provider; natural language input is echoed back")
	listSaves := flag.Bool("list-saves", false, "list save archives and exit")
	listenAddr := flag.String("listen", "", "optional HTTP address serving /healthz, /readyz and /metrics")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talespinner: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talespinner: %v\n", err)
		}
		return 1
	}

	session := cfg.Session.DefaultID
	if *sessionFlag != "" {
		session = *sessionFlag
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("talespinner starting",
		"version", version,
		"config", *configPath,
		"session", session,
		"offline", *offline,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "talespinner",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ───────────────────────────────────────────────────────────────
	kvStore, err := buildKV(ctx, cfg.Storage.KV)
	if err != nil {
		slog.Error("failed to open kv store", "backend", cfg.Storage.KV.Backend, "err", err)
		return 1
	}
	blobStore, err := buildBlob(ctx, cfg.Storage.Blob)
	if err != nil {
		slog.Error("failed to open blob store", "backend", cfg.Storage.Blob.Backend, "err", err)
		return 1
	}
	ttl := time.Duration(cfg.Storage.KV.TTLHours) * time.Hour

	if *listSaves {
		return printSaves(ctx, blobStore, logger)
	}

	// ── LLM provider ──────────────────────────────────────────────────────────
	var provider llm.Provider
	if !*offline {
		provider, err = buildProvider(cfg.LLM)
		if err != nil {
			slog.Error("failed to create llm provider", "provider", cfg.LLM.Provider, "err", err)
			return 1
		}
	}

	// ── Session assembly ──────────────────────────────────────────────────────
	seed := worldmap.WorldSeed{
		Genre:         cfg.World.Genre,
		Tone:          cfg.World.Tone,
		FinalConflict: cfg.World.FinalConflict,
	}

	cog, err := cognition.NewSystem(cognition.Config{
		SessionID: session,
		Store:     kvStore,
		Saves:     blobStore,
		TTL:       ttl,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create cognition system", "err", err)
		return 1
	}
	events, err := event.NewLog(event.LogConfig{
		SessionID: session,
		Store:     kvStore,
		TTL:       ttl,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("failed to create event log", "err", err)
		return 1
	}
	graph, err := worldmap.New(worldmap.Config{
		Store:     kvStore,
		TTL:       ttl,
		Provider:  provider,
		MaxTokens: cfg.LLM.Stages.MapGen,
		World:     seed,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("failed to create world map", "err", err)
		return 1
	}
	worldMgr, err := world.NewManager(world.Config{
		SessionID: session,
		Store:     kvStore,
		TTL:       ttl,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create world manager", "err", err)
		return 1
	}
	strategy, err := content.New(content.Config{
		Settings: contentSettings(cfg.Cache),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		slog.Error("failed to create content strategy", "err", err)
		return 1
	}
	ld, err := loader.New(loader.Config{
		SessionID: session,
		Provider:  provider,
		Strategy:  strategy,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		slog.Error("failed to create content loader", "err", err)
		return 1
	}

	host := plugin.NewHost(logger)
	host.LoadAndEnableAll(ctx)

	engine, err := runtime.New(runtime.Config{
		SessionID:      session,
		Provider:       provider,
		Cognition:      cog,
		Map:            graph,
		Events:         events,
		World:          worldMgr,
		Loader:         ld,
		Plugins:        host,
		Seed:           seed,
		HistoryWindow:  cfg.Session.HistoryWindow,
		SaveEveryTurns: cfg.Session.SaveEveryTurns,
		NarratorTokens: cfg.LLM.Stages.Narrator,
		IntentTokens:   cfg.LLM.Stages.Intent,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		slog.Error("failed to assemble runtime", "err", err)
		return 1
	}

	// ── World bootstrap ───────────────────────────────────────────────────────
	if err := bootstrapWorld(ctx, engine, graph, cog); err != nil {
		slog.Error("world bootstrap failed", "err", err)
		return 1
	}

	// ── Background simulation ─────────────────────────────────────────────────
	simulator, err := sim.New(sim.Config{
		World:   worldMgr,
		Events:  events,
		Tuning:  simTuning(cfg.Simulation),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to create simulator", "err", err)
		return 1
	}
	var lastInput atomic.Int64
	lastInput.Store(time.Now().Unix())
	go runSimulation(ctx, simulator, cfg.Simulation.DefaultTickMinutes, &lastInput)

	// ── Health and metrics listener (optional) ────────────────────────────────
	if *listenAddr != "" {
		go serveHTTP(ctx, *listenAddr, kvStore)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, session, *offline)

	// ── REPL ──────────────────────────────────────────────────────────────────
	fmt.Println("输入 /help 查看命令，Ctrl+C 退出。")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Print("> ")
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			input := strings.TrimSpace(line)
			if input == "" {
				fmt.Print("> ")
				continue
			}

			if time.Since(time.Unix(lastInput.Load(), 0)) > idleAfter {
				fmt.Println(simulator.OnPlayerReturn())
			}
			simulator.OnPlayerAction()
			lastInput.Store(time.Now().Unix())

			response, err := engine.Step(ctx, input)
			if err != nil {
				slog.Error("turn failed", "turn", engine.Turn(), "err", err)
			} else {
				fmt.Println(response)
			}
			fmt.Print("> ")
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	fmt.Println()
	slog.Info("shutting down, archiving session", "session", session, "turns", engine.Turn())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if object, err := cog.Archive(shutdownCtx); err != nil {
		if !errors.Is(err, cognition.ErrNoSaveStore) {
			slog.Warn("final archive failed", "err", err)
		}
	} else {
		slog.Info("session archived", "object", object)
	}
	if err := worldMgr.Save(shutdownCtx); err != nil {
		slog.Warn("world snapshot failed", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// bootstrapWorld seeds the starting regions and the player sheet on a fresh
// session. A session with a saved location resumes untouched.
func bootstrapWorld(ctx context.Context, engine *runtime.Engine, graph *worldmap.Graph, cog *cognition.System) error {
	state, err := cog.State(ctx)
	if err != nil {
		return err
	}
	if loc, _ := state["location"].(string); loc != "" {
		slog.Info("resuming session", "location", loc)
		return nil
	}

	exists, err := graph.Exists(ctx, startLocation)
	if err != nil {
		return err
	}
	if !exists {
		if err := graph.IngestGraph(ctx, seedRegions()); err != nil {
			return err
		}
	}
	return engine.InitializePlayer(ctx, startLocation, nil)
}

// seedRegions is the minimal opening map: a hub and two districts. Everything
// beyond it grows through exploration.
func seedRegions() []worldmap.Region {
	return []worldmap.Region{
		{
			ID:          startLocation,
			Name:        "旧城门",
			Description: "锈蚀的铁门半开着，门楣上的铭文已经风化难辨。",
			GeoFeature:  "城墙",
			RiskLevel:   1,
			Neighbors:   []string{"loc_market", "loc_docks"},
		},
		{
			ID:          "loc_market",
			Name:        "黄昏集市",
			Description: "摊贩在昏暗的灯笼下低声交易，空气里混着香料和霉味。",
			GeoFeature:  "集市",
			RiskLevel:   2,
			Neighbors:   []string{startLocation},
		},
		{
			ID:          "loc_docks",
			Name:        "雾港码头",
			Description: "浓雾终年不散，系泊的船只像一排沉默的影子。",
			GeoFeature:  "港口",
			RiskLevel:   3,
			Neighbors:   []string{startLocation},
		},
	}
}

// runSimulation drives background world ticks. While the player is active the
// world advances a little every interval; once input goes quiet the idle
// stretch is fast-forwarded exactly once, then the world waits.
func runSimulation(ctx context.Context, simulator *sim.Simulator, tickMinutes int, lastInput *atomic.Int64) {
	ticker := time.NewTicker(simTickInterval)
	defer ticker.Stop()

	idleHandled := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(lastInput.Load(), 0))
			switch {
			case idle < idleAfter:
				idleHandled = false
				simulator.Tick(ctx, tickMinutes)
			case !idleHandled:
				simulator.OnPlayerIdle(ctx, idle)
				idleHandled = true
			}
		}
	}
}

// serveHTTP exposes liveness, readiness and Prometheus metrics. Readiness
// probes the KV store with a cheap existence check.
func serveHTTP(ctx context.Context, addr string, store kv.Store) {
	h := health.New(health.Checker{
		Name: "kv",
		Check: func(ctx context.Context) error {
			_, err := store.Exists(ctx, "healthcheck")
			return err
		},
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(closeCtx)
	}()

	slog.Info("http listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http listener failed", "err", err)
	}
}

// ── Storage wiring ────────────────────────────────────────────────────────────

func buildKV(ctx context.Context, cfg config.KVConfig) (kv.Store, error) {
	switch cfg.Backend {
	case config.KVRedis:
		store, err := kvredis.New(ctx, kvredis.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return memory.New(), nil
	}
}

func buildBlob(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case config.BlobS3:
		store, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Bucket:    cfg.S3.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return local.New(cfg.BasePath)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProvider selects the LLM backend: "openai" uses the OpenAI SDK
// directly, every other recognised name goes through the any-llm client.
// The result is wrapped in a circuit breaker so a flapping backend fails
// fast instead of stalling every turn on timeouts.
func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}

	var (
		p   llm.Provider
		err error
	)
	if name == "openai" {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.TimeoutSeconds > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
		}
		p, err = openai.New(cfg.APIKey, cfg.Model, opts...)
	} else {
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		p, err = anyllm.New(name, cfg.Model, opts...)
	}
	if err != nil {
		return nil, err
	}
	return resilience.NewLLMFallback(p, name, resilience.FallbackConfig{}), nil
}

// ── Tuning translation ────────────────────────────────────────────────────────

func contentSettings(cfg config.CacheConfig) content.Settings {
	s := content.DefaultSettings()
	if cfg.MaxEntries > 0 {
		s.MaxEntries = cfg.MaxEntries
	}
	if cfg.DefaultTTLSeconds > 0 {
		s.DefaultTTL = time.Duration(cfg.DefaultTTLSeconds) * time.Second
	}
	if cfg.LocationTTLSeconds > 0 {
		s.LocationTTL = time.Duration(cfg.LocationTTLSeconds) * time.Second
	}
	if cfg.NPCTTLSeconds > 0 {
		s.NPCTTL = time.Duration(cfg.NPCTTLSeconds) * time.Second
	}
	if cfg.NarrativeTTLSeconds > 0 {
		s.NarrativeTTL = time.Duration(cfg.NarrativeTTLSeconds) * time.Second
	}
	if cfg.SimilarityThreshold > 0 {
		s.SimilarityThreshold = cfg.SimilarityThreshold
	}
	if cfg.MaxCallsPerMinute > 0 {
		s.MaxCallsPerMinute = cfg.MaxCallsPerMinute
	}
	if cfg.MinIntervalMs > 0 {
		s.MinInterval = time.Duration(cfg.MinIntervalMs) * time.Millisecond
	}
	return s
}

func simTuning(cfg config.SimulationConfig) sim.Tuning {
	t := sim.DefaultTuning()
	if cfg.NPCActivityChance > 0 {
		t.NPCActivityChance = cfg.NPCActivityChance
	}
	if cfg.MoveChance > 0 {
		t.MoveChance = cfg.MoveChance
	}
	if cfg.SocialChance > 0 {
		t.SocialChance = cfg.SocialChance
	}
	if cfg.EventBaseChance > 0 {
		t.EventBaseChance = cfg.EventBaseChance
	}
	if cfg.CrisisEventBonus > 0 {
		t.CrisisEventBonus = cfg.CrisisEventBonus
	}
	if cfg.CrisisDecayChance > 0 {
		t.CrisisDecayChance = cfg.CrisisDecayChance
	}
	if cfg.CrisisEscalationChance > 0 {
		t.CrisisEscalationChance = cfg.CrisisEscalationChance
	}
	if cfg.DefaultTickMinutes > 0 {
		t.DefaultTickMinutes = cfg.DefaultTickMinutes
	}
	if cfg.MaxTickMinutes > 0 {
		t.MaxTickMinutes = cfg.MaxTickMinutes
	}
	return t
}

// ── Save listing ──────────────────────────────────────────────────────────────

func printSaves(ctx context.Context, saves blob.Store, logger *slog.Logger) int {
	infos, err := cognition.ListSaves(ctx, saves, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talespinner: %v\n", err)
		return 1
	}
	if len(infos) == 0 {
		fmt.Println("没有找到存档。")
		return 0
	}
	fmt.Printf("%-20s %-20s %-10s %-12s %s\n", "SESSION", "SAVED AT", "PLAYTIME", "LOCATION", "HP/SAN")
	for _, info := range infos {
		fmt.Printf("%-20s %-20s %-10s %-12s %d/%d\n",
			info.SessionID, info.Timestamp,
			fmt.Sprintf("%dmin", info.PlaytimeMinutes),
			info.Location, info.HP, info.Sanity)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, session string, offline bool) {
	providerLine := cfg.LLM.Provider + " / " + cfg.LLM.Model
	if offline {
		providerLine = "(offline)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Talespinner — 冒险开始          ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Session", session)
	printRow("LLM", providerLine)
	printRow("KV store", string(cfg.Storage.KV.Backend))
	printRow("Saves", string(cfg.Storage.Blob.Backend))
	printRow("Genre", cfg.World.Genre)
	printRow("Tone", cfg.World.Tone)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 25 {
		value = value[:22] + "…"
	}
	fmt.Printf("║  %-9s : %-25s ║\n", key, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
