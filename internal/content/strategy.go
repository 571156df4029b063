package content

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vandermeer/talespinner/internal/observe"
)

// ErrRateLimited is returned by GetOrGenerate when the limiter refuses a
// generation and no cached value exists to fall back on.
var ErrRateLimited = errors.New("content: generation rate limited")

// Generator produces a piece of content when the cache cannot serve it.
type Generator func(ctx context.Context) (any, error)

// Config carries the dependencies for a Strategy.
type Config struct {
	// Settings tunes the strategy; the zero value means DefaultSettings.
	Settings Settings

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats is a snapshot of strategy counters.
type Stats struct {
	Hits          int64
	Misses        int64
	SimilarReused int64
	Blocked       int64
	Total         int64
	HitRate       float64
	CacheSize     int
}

// Strategy decides when to call the LLM for content and when to serve the
// cache. Concurrent requests for the same key share one generation.
type Strategy struct {
	settings Settings
	cache    *Cache
	limiter  *RateLimiter
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	group singleflight.Group

	mu            sync.Mutex
	hits          int64
	misses        int64
	similarReused int64
	blocked       int64
	total         int64
}

// New builds a Strategy from cfg.
func New(cfg Config) (*Strategy, error) {
	if cfg.Settings == (Settings{}) {
		cfg.Settings = DefaultSettings()
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
	return &Strategy{
		settings: cfg.Settings,
		cache:    NewCache(cfg.Settings, cfg.Metrics, cfg.Now),
		limiter:  NewRateLimiter(cfg.Settings.MaxCallsPerMinute, cfg.Settings.MinInterval, cfg.Now),
		log:      cfg.Logger.With("component", "content"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}, nil
}

// Cache exposes the underlying cache for direct inspection and invalidation.
func (s *Strategy) Cache() *Cache {
	return s.cache
}

// Decide reports whether content at key must be regenerated and why. A false
// result with ReasonNone means the cache can serve the request.
func (s *Strategy) Decide(key string, lctx LoadContext, typ Type, force bool) (bool, Reason) {
	s.mu.Lock()
	s.total++
	s.mu.Unlock()

	if force {
		return true, ReasonForceRefresh
	}
	entry := s.cache.Get(key)
	if entry == nil {
		s.countMiss()
		return true, ReasonCacheMiss
	}
	if entry.Expired(s.now()) {
		s.countMiss()
		return true, ReasonStaleCache
	}
	if s.settings.ContextAware && !entry.ContextValid(lctx.Hash()) {
		s.countMiss()
		return true, ReasonContextChange
	}
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	return false, ReasonNone
}

// GetOrGenerate returns the content at key, calling gen only when the cache
// cannot serve it. The second result reports whether gen ran. When the rate
// limiter blocks a regeneration, a stale cached value is served instead; with
// nothing cached the call fails with ErrRateLimited.
func (s *Strategy) GetOrGenerate(ctx context.Context, key string, lctx LoadContext, typ Type, gen Generator, force bool) (any, bool, error) {
	type outcome struct {
		value     any
		generated bool
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		generate, reason := s.Decide(key, lctx, typ, force)
		if !generate {
			if entry := s.cache.Get(key); entry != nil {
				s.metrics.RecordCacheLookup(ctx, string(typ), true)
				return outcome{value: entry.Value}, nil
			}
			// Evicted between the decision and the read; regenerate.
			generate, reason = true, ReasonCacheMiss
		}
		s.metrics.RecordCacheLookup(ctx, string(typ), false)

		if !s.limiter.Allow() {
			s.mu.Lock()
			s.blocked++
			s.mu.Unlock()
			s.metrics.RateLimitBlocked.Add(ctx, 1)
			if entry := s.cache.Get(key); entry != nil {
				s.log.Warn("rate limited, serving stale content", "key", key, "type", typ)
				return outcome{value: entry.Value}, nil
			}
			return outcome{}, ErrRateLimited
		}

		value, err := gen(ctx)
		if err != nil {
			return outcome{}, err
		}
		s.limiter.Record()
		hash := ""
		if s.settings.ContextAware {
			hash = lctx.Hash()
		}
		s.cache.Put(key, value, typ, hash, 0)
		s.log.Debug("content generated", "key", key, "type", typ, "reason", reason)
		return outcome{value: value, generated: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(outcome)
	return out.value, out.generated, nil
}

// FindSimilar returns the best cached entry of the given type whose text is
// at least threshold-similar to query. A non-positive threshold uses the
// configured one. Returns ok=false when reuse is disabled or nothing matches.
func (s *Strategy) FindSimilar(query string, typ Type, threshold float64) (any, float64, bool) {
	if !s.settings.ReuseSimilar {
		return nil, 0, false
	}
	if threshold <= 0 {
		threshold = s.settings.SimilarityThreshold
	}
	matches := FindSimilar(query, s.cache.ByType(typ), threshold, 1)
	if len(matches) == 0 {
		return nil, 0, false
	}
	s.mu.Lock()
	s.similarReused++
	s.mu.Unlock()
	return matches[0].Entry.Value, matches[0].Score, true
}

// Stats returns a snapshot of the strategy counters.
func (s *Strategy) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Hits:          s.hits,
		Misses:        s.misses,
		SimilarReused: s.similarReused,
		Blocked:       s.blocked,
		Total:         s.total,
		CacheSize:     s.cache.Len(),
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

// Cleanup drops expired cache entries and returns how many were removed.
func (s *Strategy) Cleanup() int {
	return s.cache.CleanupExpired()
}

func (s *Strategy) countMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}
