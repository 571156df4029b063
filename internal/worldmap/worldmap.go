// Package worldmap persists the region graph: nodes keyed by id and typed
// travel edges whose route concepts are synthesized by the LLM at ingest
// time. The graph lives entirely in the KV store so the simulator and the
// turn loop share one view of the world topology.
package worldmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/pkg/provider/llm"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
	"github.com/vandermeer/talespinner/pkg/types"
)

// Node types stored in the "type" field of a persisted node.
const (
	NodeTypeRegion  = "L2"
	NodeTypeDynamic = "L3_Dynamic"
)

// EdgeKind is the only edge kind currently written; edge hash fields are
// "Travel:<target>".
const EdgeKind = "Travel"

// Node is a map region. The JSON field names are part of the persisted
// format.
type Node struct {
	ID          string `json:"node_id"`
	Name        string `json:"name"`
	Description string `json:"desc,omitempty"`
	GeoFeature  string `json:"geo_feature,omitempty"`
	RiskLevel   int    `json:"risk_level,omitempty"`
	Type        string `json:"type"`

	// ParentID and Keyword are set only on L3_Dynamic sub-locations.
	ParentID string `json:"parent_id,omitempty"`
	Keyword  string `json:"keyword,omitempty"`
}

// RouteConcept describes the physical path between two connected regions.
type RouteConcept struct {
	RouteName   string   `json:"route_name"`
	GeoType     string   `json:"geo_type,omitempty"`
	Description string   `json:"description,omitempty"`
	RiskLevel   int      `json:"risk_level,omitempty"`
	Rumors      []string `json:"rumors,omitempty"`
}

// Edge is the payload stored under each "Travel:<target>" hash field. Both
// directions of a connection carry the same route concept.
type Edge struct {
	TargetID  string       `json:"target_id"`
	Type      string       `json:"type"`
	RouteInfo RouteConcept `json:"route_info"`
}

// Region is one entry of a generated world blueprint handed to
// [Graph.IngestGraph]. Neighbors lists the region ids this region connects
// to; the list itself is not persisted.
type Region struct {
	ID          string   `json:"region_id"`
	Name        string   `json:"name"`
	Description string   `json:"desc,omitempty"`
	GeoFeature  string   `json:"geo_feature,omitempty"`
	RiskLevel   int      `json:"risk_level,omitempty"`
	Neighbors   []string `json:"neighbors,omitempty"`
}

// WorldSeed carries the world premise used to ground route generation
// prompts.
type WorldSeed struct {
	Genre         string
	Tone          string
	FinalConflict string
}

// ErrorFallbackConcept is stored when route synthesis fails, so the graph
// stays connected even through LLM outages. Risk 99 marks the record as a
// placeholder for later regeneration.
func ErrorFallbackConcept() RouteConcept {
	return RouteConcept{RouteName: "ERROR_FALLBACK", RiskLevel: 99}
}

// Config configures a [Graph].
type Config struct {
	// Store is the backing KV store. Required.
	Store kv.Store

	// TTL is applied to every node and edge key. Zero means no expiry.
	TTL time.Duration

	// Provider synthesizes route concepts and dynamic sub-locations.
	// Optional; without it connections receive fallback concepts and
	// dynamic sub-locations are unavailable.
	Provider llm.Provider

	// MaxTokens caps map-generation completions. Defaults to 500.
	MaxTokens int

	// World grounds generation prompts.
	World WorldSeed

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Graph reads and writes the region graph.
type Graph struct {
	store     kv.Store
	ttl       time.Duration
	provider  llm.Provider
	maxTokens int
	world     WorldSeed
	log       *slog.Logger
	metrics   *observe.Metrics
}

// New validates cfg and returns a graph handle.
func New(cfg Config) (*Graph, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("worldmap: Store must not be nil")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Graph{
		store:     cfg.Store,
		ttl:       cfg.TTL,
		provider:  cfg.Provider,
		maxTokens: cfg.MaxTokens,
		world:     cfg.World,
		log:       cfg.Logger.With("component", "worldmap"),
		metrics:   cfg.Metrics,
	}, nil
}

func nodeKey(id string) string {
	return "rpg:map:node:" + id
}

func edgeKey(id string) string {
	return "rpg:map:edges:" + id
}

func edgeField(target string) string {
	return EdgeKind + ":" + target
}

// SaveNode persists a node. An empty Type defaults to L2.
func (g *Graph) SaveNode(ctx context.Context, n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("worldmap: node id must not be empty")
	}
	if n.Type == "" {
		n.Type = NodeTypeRegion
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("worldmap: encode node %s: %w", n.ID, err)
	}
	if err := g.store.Set(ctx, nodeKey(n.ID), string(data), g.ttl); err != nil {
		return fmt.Errorf("worldmap: save node %s: %w", n.ID, err)
	}
	return nil
}

// Node loads a node by id. A missing node is (nil, nil), not an error.
func (g *Graph) Node(ctx context.Context, id string) (*Node, error) {
	raw, err := g.store.Get(ctx, nodeKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("worldmap: get node %s: %w", id, err)
	}
	var n Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("worldmap: decode node %s: %w", id, err)
	}
	return &n, nil
}

// Exists reports whether a node with the given id is persisted.
func (g *Graph) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := g.store.Exists(ctx, nodeKey(id))
	if err != nil {
		return false, fmt.Errorf("worldmap: exists %s: %w", id, err)
	}
	return ok, nil
}

// Neighbors returns the raw out-edge hash of a node: field "Travel:<target>"
// mapped to the JSON edge payload. Callers parse payloads with [ParseEdge].
func (g *Graph) Neighbors(ctx context.Context, id string) (map[string]string, error) {
	m, err := g.store.HGetAll(ctx, edgeKey(id))
	if err != nil {
		return nil, fmt.Errorf("worldmap: neighbors %s: %w", id, err)
	}
	return m, nil
}

// TravelEdge returns the parsed edge from curr towards target, or (nil, nil)
// when no such edge exists.
func (g *Graph) TravelEdge(ctx context.Context, curr, target string) (*Edge, error) {
	raw, err := g.store.HGet(ctx, edgeKey(curr), edgeField(target))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("worldmap: edge %s->%s: %w", curr, target, err)
	}
	e, err := ParseEdge(raw)
	if err != nil {
		return nil, fmt.Errorf("worldmap: edge %s->%s: %w", curr, target, err)
	}
	return e, nil
}

// ParseEdge decodes one edge payload as stored in the neighbor hash.
func ParseEdge(raw string) (*Edge, error) {
	var e Edge
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode edge payload: %w", err)
	}
	return &e, nil
}

// ConnectWithConcept writes the Travel edge in both directions with the same
// route concept. Re-connecting an existing pair overwrites the concept.
func (g *Graph) ConnectWithConcept(ctx context.Context, from, to string, rc RouteConcept) error {
	ab, err := json.Marshal(Edge{TargetID: to, Type: EdgeKind, RouteInfo: rc})
	if err != nil {
		return fmt.Errorf("worldmap: encode edge %s->%s: %w", from, to, err)
	}
	ba, err := json.Marshal(Edge{TargetID: from, Type: EdgeKind, RouteInfo: rc})
	if err != nil {
		return fmt.Errorf("worldmap: encode edge %s->%s: %w", to, from, err)
	}
	if err := g.store.HSet(ctx, edgeKey(from), map[string]string{edgeField(to): string(ab)}); err != nil {
		return fmt.Errorf("worldmap: connect %s->%s: %w", from, to, err)
	}
	if err := g.store.HSet(ctx, edgeKey(to), map[string]string{edgeField(from): string(ba)}); err != nil {
		return fmt.Errorf("worldmap: connect %s->%s: %w", to, from, err)
	}
	if g.ttl > 0 {
		// Edge hashes expire with their nodes.
		_ = g.store.Expire(ctx, edgeKey(from), g.ttl)
		_ = g.store.Expire(ctx, edgeKey(to), g.ttl)
	}
	return nil
}

// IngestGraph persists a generated world blueprint: first every region node,
// then one bidirectional Travel edge per neighbor pair. Already-connected
// pairs are skipped, so re-ingesting is cheap. Route synthesis failures fall
// back to [ErrorFallbackConcept]; the graph is always fully connected after
// ingest.
func (g *Graph) IngestGraph(ctx context.Context, regions []Region) error {
	g.log.Info("ingesting world graph", "regions", len(regions))

	for _, r := range regions {
		if r.ID == "" {
			g.log.Warn("skipping region without id", "name", r.Name)
			continue
		}
		n := &Node{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			GeoFeature:  r.GeoFeature,
			RiskLevel:   r.RiskLevel,
			Type:        NodeTypeRegion,
		}
		if err := g.SaveNode(ctx, n); err != nil {
			return err
		}
	}

	for _, r := range regions {
		if r.ID == "" {
			continue
		}
		for _, to := range r.Neighbors {
			exists, err := g.store.HExists(ctx, edgeKey(r.ID), edgeField(to))
			if err != nil {
				return fmt.Errorf("worldmap: check edge %s->%s: %w", r.ID, to, err)
			}
			if exists {
				continue
			}
			rc := g.generateRouteConcept(ctx, r.ID, to)
			if err := g.ConnectWithConcept(ctx, r.ID, to, rc); err != nil {
				return err
			}
			g.log.Debug("connected regions", "from", r.ID, "to", to, "route", rc.RouteName)
		}
	}
	return nil
}

// CreateDynamicSubLocation asks the LLM for a new sub-location of parentID
// themed around keyword, persists it as an L3_Dynamic node, and connects it
// to the parent. Returns the new node id, or "" when the parent is missing,
// no provider is configured, or the response could not be parsed. Nothing is
// persisted in those cases.
func (g *Graph) CreateDynamicSubLocation(ctx context.Context, parentID, keyword string) (string, error) {
	if g.provider == nil {
		g.log.Debug("dynamic sub-location skipped: no provider")
		return "", nil
	}
	parent, err := g.Node(ctx, parentID)
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "", nil
	}

	raw, err := g.complete(ctx, subLocationPrompt(g.world, parent, keyword))
	if err != nil {
		g.log.Warn("dynamic sub-location generation failed", "parent", parentID, "error", err)
		return "", nil
	}

	var gen struct {
		Name               string `json:"name"`
		Description        string `json:"desc"`
		GeoFeature         string `json:"geo_feature"`
		RiskLevel          int    `json:"risk_level"`
		ConnectionPathName string `json:"connection_path_name"`
	}
	if !llm.ExtractJSON(raw, &gen) {
		g.log.Warn("dynamic sub-location response not parseable", "parent", parentID)
		return "", nil
	}

	id := newNodeID()
	n := &Node{
		ID:          id,
		Name:        gen.Name,
		Description: gen.Description,
		GeoFeature:  gen.GeoFeature,
		RiskLevel:   clampRisk(gen.RiskLevel),
		Type:        NodeTypeDynamic,
		ParentID:    parentID,
		Keyword:     keyword,
	}
	if err := g.SaveNode(ctx, n); err != nil {
		return "", err
	}

	rc := RouteConcept{
		RouteName:   gen.ConnectionPathName,
		Description: fmt.Sprintf("连接 %s 与 %s 的通路", parent.Name, gen.Name),
		RiskLevel:   clampRisk(gen.RiskLevel),
	}
	if rc.RouteName == "" {
		rc.RouteName = "隐秘小径"
	}
	if err := g.ConnectWithConcept(ctx, parentID, id, rc); err != nil {
		return "", err
	}
	g.log.Info("created dynamic sub-location", "parent", parentID, "node", id, "name", gen.Name)
	return id, nil
}

// generateRouteConcept synthesizes the path between two regions. Every
// failure path returns a usable concept so ingest never stalls.
func (g *Graph) generateRouteConcept(ctx context.Context, from, to string) RouteConcept {
	a, errA := g.Node(ctx, from)
	b, errB := g.Node(ctx, to)
	if errA != nil || errB != nil || a == nil || b == nil {
		return RouteConcept{RouteName: "迷雾小径", Description: "一片未知的迷雾区域"}
	}
	if g.provider == nil {
		return RouteConcept{RouteName: "未知通路", Description: "一条漫长的旅途"}
	}

	raw, err := g.complete(ctx, routeConceptPrompt(g.world, a, b))
	if err != nil {
		g.log.Warn("route generation failed", "from", from, "to", to, "error", err)
		return ErrorFallbackConcept()
	}
	var rc RouteConcept
	if !llm.ExtractJSON(raw, &rc) {
		g.log.Warn("route response not parseable", "from", from, "to", to)
		return ErrorFallbackConcept()
	}
	return rc
}

func (g *Graph) complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   g.maxTokens,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordLLMCall(ctx, "map_gen", status, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// newNodeID returns "loc_" plus eight hex characters.
func newNodeID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "loc_" + hex[:8]
}

func clampRisk(r int) int {
	if r < 1 {
		return 1
	}
	if r > 5 {
		return 5
	}
	return r
}
