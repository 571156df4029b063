package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vandermeer/talespinner/pkg/storage/kv"
	"github.com/vandermeer/talespinner/pkg/storage/kv/memory"
)

func TestStringsAndExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	now := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return now })

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get = %q, %v; want %q, nil", got, err, "v")
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after expiry: err = %v; want ErrNotFound", err)
	}
	if ok, _ := s.Exists(ctx, "k"); ok {
		t.Fatal("Exists after expiry = true; want false")
	}
}

func TestHashOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	if err := s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if v, err := s.HGet(ctx, "h", "a"); err != nil || v != "1" {
		t.Fatalf("HGet = %q, %v; want %q, nil", v, err, "1")
	}
	if _, err := s.HGet(ctx, "h", "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("HGet missing field: err = %v; want ErrNotFound", err)
	}
	if ok, _ := s.HExists(ctx, "h", "b"); !ok {
		t.Fatal("HExists(b) = false; want true")
	}
	all, err := s.HGetAll(ctx, "h")
	if err != nil || len(all) != 2 {
		t.Fatalf("HGetAll = %v, %v; want 2 fields", all, err)
	}
	if err := s.HDel(ctx, "h", "a"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if ok, _ := s.HExists(ctx, "h", "a"); ok {
		t.Fatal("HExists(a) after HDel = true; want false")
	}
}

func TestListRangeSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		if err := s.RPush(ctx, "l", v); err != nil {
			t.Fatalf("RPush: %v", err)
		}
	}

	tests := []struct {
		name        string
		start, stop int64
		want        []string
	}{
		{"full", 0, -1, []string{"a", "b", "c", "d", "e"}},
		{"tail three", -3, -1, []string{"c", "d", "e"}},
		{"clamped stop", 3, 99, []string{"d", "e"}},
		{"empty when inverted", 4, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.LRange(ctx, "l", tt.start, tt.stop)
			if err != nil {
				t.Fatalf("LRange: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("LRange = %v; want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("LRange = %v; want %v", got, tt.want)
				}
			}
		})
	}

	if n, _ := s.LLen(ctx, "l"); n != 5 {
		t.Fatalf("LLen = %d; want 5", n)
	}
}

func TestSortedSetOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	err := s.ZAdd(ctx, "z",
		kv.Z{Score: 100, Member: "old"},
		kv.Z{Score: 300, Member: "new"},
		kv.Z{Score: 200, Member: "mid"},
	)
	if err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	got, err := s.ZRevRange(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("ZRevRange: %v", err)
	}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ZRevRange = %v; want %v", got, want)
		}
	}

	ranged, err := s.ZRevRangeByScore(ctx, "z", 250, 150, 0)
	if err != nil {
		t.Fatalf("ZRevRangeByScore: %v", err)
	}
	if len(ranged) != 1 || ranged[0] != "mid" {
		t.Fatalf("ZRevRangeByScore = %v; want [mid]", ranged)
	}

	limited, err := s.ZRevRangeByScore(ctx, "z", 1e18, -1e18, 2)
	if err != nil {
		t.Fatalf("ZRevRangeByScore limited: %v", err)
	}
	if len(limited) != 2 || limited[0] != "new" {
		t.Fatalf("ZRevRangeByScore limited = %v; want [new mid]", limited)
	}
}

func TestKeysPattern(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	keys := []string{
		"rpg:map:node:village",
		"rpg:map:node:forest",
		"rpg:map:edges:village",
		"rpg:state:s1",
	}
	for _, k := range keys {
		if err := s.Set(ctx, k, "x", 0); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	got, err := s.Keys(ctx, "rpg:map:node:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Keys = %v; want two node keys", got)
	}
}

func TestSetMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	if err := s.SAdd(ctx, "tags", "movement", "player", "movement"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	got, err := s.SMembers(ctx, "tags")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("SMembers = %v; want 2 unique members", got)
	}
}
