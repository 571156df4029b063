// Package memory provides an in-process kv.Store used by tests and by
// offline sessions that run without a Redis server.
//
// Expiry is handled lazily: expired keys are dropped the next time they are
// touched. That is enough for a store whose lifetime matches one process.
package memory

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/vandermeer/talespinner/pkg/storage/kv"
)

// entry is one stored key of any kind. Exactly one of the value fields is in
// use, matching Redis's per-key type model.
type entry struct {
	str       string
	hash      map[string]string
	list      []string
	zset      map[string]float64
	set       map[string]struct{}
	kind      byte // 's', 'h', 'l', 'z', 'S'
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory kv.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]*entry

	// now is the clock used for expiry checks; overridable in tests.
	now func() time.Time
}

var _ kv.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]*entry),
		now:  time.Now,
	}
}

// SetClock replaces the expiry clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live returns the entry at key if present and unexpired, deleting it when
// expired. Callers must hold the write lock.
func (s *Store) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 's' {
		return "", kv.ErrNotFound
	}
	return e.str, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{str: value, kind: 's'}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(key); e != nil {
		if ttl > 0 {
			e.expiresAt = s.now().Add(ttl)
		} else {
			e.expiresAt = time.Time{}
		}
	}
	return nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'h' {
		e = &entry{hash: make(map[string]string), kind: 'h'}
		s.data[key] = e
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'h' {
		return "", kv.ErrNotFound
	}
	v, ok := e.hash[field]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	e := s.live(key)
	if e == nil || e.kind != 'h' {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HExists(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'h' {
		return false, nil
	}
	_, ok := e.hash[field]
	return ok, nil
}

func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'h' {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	return nil
}

func (s *Store) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'l' {
		e = &entry{kind: 'l'}
		s.data[key] = e
	}
	e.list = append(e.list, values...)
	return nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'l' {
		return nil, nil
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'l' {
		return 0, nil
	}
	return int64(len(e.list)), nil
}

func (s *Store) ZAdd(_ context.Context, key string, members ...kv.Z) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'z' {
		e = &entry{zset: make(map[string]float64), kind: 'z'}
		s.data[key] = e
	}
	for _, m := range members {
		e.zset[m.Member] = m.Score
	}
	return nil
}

// sortedDesc returns the zset members ordered by descending score; ties break
// by descending member string, matching ZREVRANGE ordering.
func sortedDesc(zset map[string]float64) []kv.Z {
	out := make([]kv.Z, 0, len(zset))
	for m, sc := range zset {
		out = append(out, kv.Z{Score: sc, Member: m})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member > out[j].Member
	})
	return out
}

func (s *Store) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'z' {
		return nil, nil
	}
	all := sortedDesc(e.zset)
	n := int64(len(all))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for _, z := range all[start : stop+1] {
		out = append(out, z.Member)
	}
	return out, nil
}

func (s *Store) ZRevRangeByScore(_ context.Context, key string, max, min float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'z' {
		return nil, nil
	}
	var out []string
	for _, z := range sortedDesc(e.zset) {
		if z.Score > max || z.Score < min {
			continue
		}
		out = append(out, z.Member)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'S' {
		e = &entry{set: make(map[string]struct{}), kind: 'S'}
		s.data[key] = e
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'S' {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
