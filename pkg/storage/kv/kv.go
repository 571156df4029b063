// Package kv defines the key-value store abstraction backing the world graph,
// the event log, and per-session cognition state.
//
// The interface deliberately mirrors the small slice of Redis semantics the
// runtime depends on: plain strings with TTLs, hashes for edge maps and player
// state, lists for conversation history, sorted sets for time indexes, and
// sets for event tags. Two implementations exist: pkg/storage/kv/redis for
// production and pkg/storage/kv/memory for tests and offline play.
//
// Implementations must be safe for concurrent use.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and HGet when the key or field does not exist.
var ErrNotFound = errors.New("kv: not found")

// Z is a sorted-set member with its score.
type Z struct {
	Score  float64
	Member string
}

// Store is the abstraction over a Redis-like key-value store.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets or refreshes the TTL on key. No-op when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HSet writes the given fields into the hash at key, creating it if needed.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGet returns one hash field, or ErrNotFound.
	HGet(ctx context.Context, key, field string) (string, error)

	// HGetAll returns all fields of the hash at key. An absent key yields an
	// empty map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HExists reports whether the hash at key contains field.
	HExists(ctx context.Context, key, field string) (bool, error)

	// HDel removes fields from the hash at key.
	HDel(ctx context.Context, key string, fields ...string) error

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error

	// LRange returns the list slice [start, stop] using Redis index semantics:
	// negative indexes count from the tail, stop is inclusive.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// ZAdd inserts or updates members of the sorted set at key.
	ZAdd(ctx context.Context, key string, members ...Z) error

	// ZRevRange returns members of the sorted set ordered by descending score,
	// sliced by rank [start, stop] inclusive.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRevRangeByScore returns members with score in [min, max], ordered by
	// descending score. A limit of zero means no limit.
	ZRevRangeByScore(ctx context.Context, key string, max, min float64, limit int64) ([]string, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns all keys matching the glob pattern. Intended for the
	// moderate key counts of a single session, not for bulk scans.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases any underlying connections.
	Close() error
}
