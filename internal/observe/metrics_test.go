package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	hists := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"talespinner.turn.duration", m.TurnDuration},
		{"talespinner.llm.duration", m.LLMDuration},
	}
	for _, h := range hists {
		h.h.Record(ctx, 1.5)
	}

	rm := collect(t, reader)
	for _, h := range hists {
		met := findMetric(rm, h.name)
		if met == nil {
			t.Errorf("metric %q not found after recording", h.name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Errorf("metric %q: unexpected data type %T", h.name, met.Data)
			continue
		}
		if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
			t.Errorf("metric %q: want one data point with count 1", h.name)
		}
	}
}

func TestRecordLLMCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLLMCall(ctx, "narration", "ok", 2.0)
	m.RecordLLMCall(ctx, "narration", "ok", 1.0)
	m.RecordLLMCall(ctx, "intent", "error", 0.1)

	rm := collect(t, reader)
	met := findMetric(rm, "talespinner.llm.calls")
	if met == nil {
		t.Fatal("talespinner.llm.calls not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
		if stage, ok := dp.Attributes.Value(attribute.Key("stage")); ok && stage.AsString() == "narration" {
			if status, ok := dp.Attributes.Value(attribute.Key("status")); ok && status.AsString() == "ok" {
				if dp.Value != 2 {
					t.Errorf("narration/ok count = %d, want 2", dp.Value)
				}
			}
		}
	}
	if total != 3 {
		t.Errorf("total LLM calls = %d, want 3", total)
	}

	if findMetric(rm, "talespinner.llm.duration") == nil {
		t.Error("talespinner.llm.duration not recorded by RecordLLMCall")
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "location", true)
	m.RecordCacheLookup(ctx, "location", true)
	m.RecordCacheLookup(ctx, "npc", false)

	rm := collect(t, reader)

	sumOf := func(name string) int64 {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("%s not found", name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("%s: unexpected data type %T", name, met.Data)
		}
		var total int64
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
		return total
	}

	if got := sumOf("talespinner.cache.hits"); got != 2 {
		t.Errorf("cache hits = %d, want 2", got)
	}
	if got := sumOf("talespinner.cache.misses"); got != 1 {
		t.Errorf("cache misses = %d, want 1", got)
	}
}

func TestRecordEvent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEvent(ctx, "WORLD_EVENT")
	m.RecordEvent(ctx, "DISCOVERY")

	rm := collect(t, reader)
	met := findMetric(rm, "talespinner.events.emitted")
	if met == nil {
		t.Fatal("talespinner.events.emitted not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("event types recorded = %d, want 2", len(sum.DataPoints))
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, -1)
	m.CacheEntries.Add(ctx, 10)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"talespinner.active_sessions", 1},
		{"talespinner.cache.entries", 10},
	}
	for _, tt := range tests {
		met := findMetric(rm, tt.name)
		if met == nil {
			t.Errorf("metric %q not found", tt.name)
			continue
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) != 1 {
			t.Errorf("metric %q: unexpected shape", tt.name)
			continue
		}
		if sum.DataPoints[0].Value != tt.want {
			t.Errorf("metric %q = %d, want %d", tt.name, sum.DataPoints[0].Value, tt.want)
		}
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("stage", "narration")
	if string(kv.Key) != "stage" || kv.Value.AsString() != "narration" {
		t.Errorf("Attr = %v, want stage=narration", kv)
	}
}
