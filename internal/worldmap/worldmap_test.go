package worldmap_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/internal/worldmap"
	"github.com/vandermeer/talespinner/pkg/provider/llm"
	"github.com/vandermeer/talespinner/pkg/provider/llm/mock"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
)

const routeJSON = `{
	"route_name": "Hidden Passage",
	"geo_type": "Underground Tunnel",
	"description": "A dark, damp tunnel that smells of mold.",
	"risk_level": 2,
	"rumors": ["Something howls in the darkness"]
}`

const subLocationJSON = `{
	"name": "Secret Vault",
	"desc": "A small room filled with old documents.",
	"geo_feature": "Underground Chamber",
	"risk_level": 9,
	"connection_path_name": "Rusty Ladder"
}`

func newGraph(t *testing.T, provider llm.Provider) *worldmap.Graph {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	g, err := worldmap.New(worldmap.Config{
		Store:    memory.New(),
		Provider: provider,
		World:    worldmap.WorldSeed{Genre: "Cosmic Horror", Tone: "grim"},
		Metrics:  met,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestSaveAndLoadNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newGraph(t, nil)

	n := &worldmap.Node{ID: "loc_tavern", Name: "The Rusty Anchor", Description: "A smoky tavern", RiskLevel: 1}
	if err := g.SaveNode(ctx, n); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}
	if n.Type != worldmap.NodeTypeRegion {
		t.Errorf("Type = %q; want default L2", n.Type)
	}

	got, err := g.Node(ctx, "loc_tavern")
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got == nil || got.Name != "The Rusty Anchor" {
		t.Fatalf("Node = %+v; want The Rusty Anchor", got)
	}

	missing, err := g.Node(ctx, "loc_nowhere")
	if err != nil || missing != nil {
		t.Fatalf("missing node = %+v, %v; want nil, nil", missing, err)
	}
}

func TestConnectWithConceptIsBidirectional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newGraph(t, nil)

	rc := worldmap.RouteConcept{RouteName: "Muddy Path", Description: "A muddy trail", RiskLevel: 1}
	if err := g.ConnectWithConcept(ctx, "loc_tavern", "loc_forest", rc); err != nil {
		t.Fatalf("ConnectWithConcept: %v", err)
	}

	ab, err := g.TravelEdge(ctx, "loc_tavern", "loc_forest")
	if err != nil || ab == nil {
		t.Fatalf("TravelEdge a->b = %+v, %v; want edge", ab, err)
	}
	ba, err := g.TravelEdge(ctx, "loc_forest", "loc_tavern")
	if err != nil || ba == nil {
		t.Fatalf("TravelEdge b->a = %+v, %v; want edge", ba, err)
	}
	if !reflect.DeepEqual(ab.RouteInfo, ba.RouteInfo) {
		t.Errorf("route concepts differ: %+v vs %+v", ab.RouteInfo, ba.RouteInfo)
	}
	if ab.TargetID != "loc_forest" || ba.TargetID != "loc_tavern" {
		t.Errorf("targets = %q / %q; want loc_forest / loc_tavern", ab.TargetID, ba.TargetID)
	}

	none, err := g.TravelEdge(ctx, "loc_tavern", "loc_mountain")
	if err != nil || none != nil {
		t.Fatalf("absent edge = %+v, %v; want nil, nil", none, err)
	}
}

func TestIngestGraph(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: routeJSON}}
	g := newGraph(t, p)

	regions := []worldmap.Region{
		{ID: "loc_tavern", Name: "Tavern", Neighbors: []string{"loc_forest"}},
		{ID: "loc_forest", Name: "Forest", Neighbors: []string{"loc_tavern"}},
		{Name: "no id, skipped"},
	}
	if err := g.IngestGraph(ctx, regions); err != nil {
		t.Fatalf("IngestGraph: %v", err)
	}

	for _, id := range []string{"loc_tavern", "loc_forest"} {
		ok, err := g.Exists(ctx, id)
		if err != nil || !ok {
			t.Fatalf("Exists(%s) = %v, %v; want true", id, ok, err)
		}
	}

	e, err := g.TravelEdge(ctx, "loc_tavern", "loc_forest")
	if err != nil || e == nil {
		t.Fatalf("TravelEdge: %+v, %v", e, err)
	}
	if e.RouteInfo.RouteName != "Hidden Passage" {
		t.Errorf("RouteName = %q; want Hidden Passage", e.RouteInfo.RouteName)
	}

	// The reverse neighbor pair is already connected and must not trigger a
	// second generation.
	if len(p.CompleteCalls) != 1 {
		t.Errorf("route generation calls = %d; want 1", len(p.CompleteCalls))
	}
}

func TestIngestGraphFallbackOnLLMFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &mock.Provider{CompleteErr: errors.New("upstream 500")}
	g := newGraph(t, p)

	regions := []worldmap.Region{
		{ID: "a", Name: "A", Neighbors: []string{"b"}},
		{ID: "b", Name: "B"},
	}
	if err := g.IngestGraph(ctx, regions); err != nil {
		t.Fatalf("IngestGraph: %v", err)
	}

	e, err := g.TravelEdge(ctx, "a", "b")
	if err != nil || e == nil {
		t.Fatalf("TravelEdge: %+v, %v", e, err)
	}
	if e.RouteInfo.RouteName != "ERROR_FALLBACK" || e.RouteInfo.RiskLevel != 99 {
		t.Errorf("fallback concept = %+v; want ERROR_FALLBACK risk 99", e.RouteInfo)
	}
}

func TestCreateDynamicSubLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: subLocationJSON}}
	g := newGraph(t, p)

	parent := &worldmap.Node{ID: "loc_tavern", Name: "Tavern", Description: "A smoky tavern"}
	if err := g.SaveNode(ctx, parent); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}

	id, err := g.CreateDynamicSubLocation(ctx, "loc_tavern", "cellar")
	if err != nil {
		t.Fatalf("CreateDynamicSubLocation: %v", err)
	}
	if !strings.HasPrefix(id, "loc_") {
		t.Fatalf("id = %q; want loc_ prefix", id)
	}

	n, err := g.Node(ctx, id)
	if err != nil || n == nil {
		t.Fatalf("Node(%s) = %+v, %v", id, n, err)
	}
	if n.Type != worldmap.NodeTypeDynamic || n.ParentID != "loc_tavern" || n.Keyword != "cellar" {
		t.Errorf("node = %+v; want L3_Dynamic child of loc_tavern keyed cellar", n)
	}
	if n.RiskLevel != 5 {
		t.Errorf("RiskLevel = %d; want clamped to 5", n.RiskLevel)
	}

	e, err := g.TravelEdge(ctx, "loc_tavern", id)
	if err != nil || e == nil {
		t.Fatalf("TravelEdge to new node: %+v, %v", e, err)
	}
	if e.RouteInfo.RouteName != "Rusty Ladder" {
		t.Errorf("RouteName = %q; want Rusty Ladder", e.RouteInfo.RouteName)
	}
}

func TestCreateDynamicSubLocationFailurePaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no provider", func(t *testing.T) {
		t.Parallel()
		g := newGraph(t, nil)
		id, err := g.CreateDynamicSubLocation(ctx, "loc_tavern", "cellar")
		if err != nil || id != "" {
			t.Fatalf("got %q, %v; want empty id without provider", id, err)
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: subLocationJSON}}
		g := newGraph(t, p)
		id, err := g.CreateDynamicSubLocation(ctx, "loc_missing", "cellar")
		if err != nil || id != "" {
			t.Fatalf("got %q, %v; want empty id for missing parent", id, err)
		}
		if len(p.CompleteCalls) != 0 {
			t.Errorf("provider called %d times for missing parent; want 0", len(p.CompleteCalls))
		}
	})

	t.Run("unparseable response persists nothing", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "not json at all"}}
		g := newGraph(t, p)
		if err := g.SaveNode(ctx, &worldmap.Node{ID: "loc_tavern", Name: "Tavern"}); err != nil {
			t.Fatalf("SaveNode: %v", err)
		}
		id, err := g.CreateDynamicSubLocation(ctx, "loc_tavern", "cellar")
		if err != nil || id != "" {
			t.Fatalf("got %q, %v; want empty id on parse failure", id, err)
		}
		neighbors, err := g.Neighbors(ctx, "loc_tavern")
		if err != nil {
			t.Fatalf("Neighbors: %v", err)
		}
		if len(neighbors) != 0 {
			t.Errorf("neighbors = %v; want none after failed generation", neighbors)
		}
	})
}
