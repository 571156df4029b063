// Package observe provides application-wide observability primitives for
// Talespinner: OpenTelemetry metrics, tracing, and trace-aware structured
// logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Talespinner metrics.
const meterName = "github.com/vandermeer/talespinner"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end latency of a single player turn.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency. Use with attribute:
	//   attribute.String("stage", ...) — "intent", "narration", "route", "content"
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// LLMCalls counts LLM completions. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	LLMCalls metric.Int64Counter

	// CacheHits and CacheMisses count content cache lookups by content type.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// RateLimitBlocked counts generations refused by the rate limiter.
	RateLimitBlocked metric.Int64Counter

	// SimulationTicks counts background world simulation ticks.
	SimulationTicks metric.Int64Counter

	// EventsEmitted counts world events written to the event log. Use with
	// attribute: attribute.String("type", ...)
	EventsEmitted metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// CacheEntries tracks the current number of cached content entries.
	CacheEntries metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM-backed turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("talespinner.turn.duration",
		metric.WithDescription("End-to-end latency of one player turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("talespinner.llm.duration",
		metric.WithDescription("Latency of LLM completions by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.LLMCalls, err = m.Int64Counter("talespinner.llm.calls",
		metric.WithDescription("Total LLM completions by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("talespinner.cache.hits",
		metric.WithDescription("Content cache hits by content type."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("talespinner.cache.misses",
		metric.WithDescription("Content cache misses by content type."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitBlocked, err = m.Int64Counter("talespinner.ratelimit.blocked",
		metric.WithDescription("Content generations refused by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.SimulationTicks, err = m.Int64Counter("talespinner.simulation.ticks",
		metric.WithDescription("Background world simulation ticks."),
	); err != nil {
		return nil, err
	}
	if met.EventsEmitted, err = m.Int64Counter("talespinner.events.emitted",
		metric.WithDescription("World events written to the event log by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talespinner.active_sessions",
		metric.WithDescription("Number of live game sessions."),
	); err != nil {
		return nil, err
	}
	if met.CacheEntries, err = m.Int64UpDownCounter("talespinner.cache.entries",
		metric.WithDescription("Current number of cached content entries."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLMCall records one LLM completion with the standard attribute set.
func (m *Metrics) RecordLLMCall(ctx context.Context, stage, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	)
	m.LLMCalls.Add(ctx, 1, attrs)
	m.LLMDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordCacheLookup records a cache hit or miss for the given content type.
func (m *Metrics) RecordCacheLookup(ctx context.Context, contentType string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("type", contentType))
	if hit {
		m.CacheHits.Add(ctx, 1, attrs)
		return
	}
	m.CacheMisses.Add(ctx, 1, attrs)
}

// RecordEvent records one emitted world event by type.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
