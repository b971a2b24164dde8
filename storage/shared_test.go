package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestSharedReadsAndWritesRedis(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	ctx := context.Background()
	s := NewShared(rc, "group.goals", openTestLocal(t), nil)

	if err := s.Set(ctx, "projection", `{"version":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := m.Get("group.goals:widget:projection"); got != `{"version":1}` {
		t.Fatalf("unexpected redis value %q", got)
	}
	v, ok, err := s.Get(ctx, "projection")
	if err != nil || !ok || v != `{"version":1}` {
		t.Fatalf("unexpected get %q ok=%v err=%v", v, ok, err)
	}
	if err := s.Remove(ctx, "projection"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "projection"); ok {
		t.Fatalf("expected key removed")
	}
}

func TestSharedUpdateAppliesFunction(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	ctx := context.Background()
	s := NewShared(rc, "g", openTestLocal(t), nil)

	m.Set("g:widget:counter", "a")
	err = s.Update(ctx, "counter", func(cur string, ok bool) (string, bool, error) {
		if !ok {
			t.Fatalf("expected existing value")
		}
		return cur + "b", true, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := m.Get("g:widget:counter"); got != "ab" {
		t.Fatalf("unexpected value %q", got)
	}

	boom := errors.New("boom")
	err = s.Update(ctx, "counter", func(string, bool) (string, bool, error) { return "", false, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if got, _ := m.Get("g:widget:counter"); got != "ab" {
		t.Fatalf("value changed after failed update: %q", got)
	}

	if err := s.Update(ctx, "counter", func(string, bool) (string, bool, error) { return "", false, nil }); err != nil {
		t.Fatalf("delete update: %v", err)
	}
	if m.Exists("g:widget:counter") {
		t.Fatalf("expected key deleted")
	}
}

func TestSharedFallsBackWhenRedisDown(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	m.Close()

	logger, hook := test.NewNullLogger()
	local := openTestLocal(t)
	ctx := context.Background()
	s := NewShared(rc, "g", local, logger)

	if err := s.Set(ctx, "projection", "p1"); err != nil {
		t.Fatalf("set should not fail: %v", err)
	}
	v, ok, err := s.Get(ctx, "projection")
	if err != nil || !ok || v != "p1" {
		t.Fatalf("expected fallback value, got %q ok=%v err=%v", v, ok, err)
	}
	if raw, ok, _ := local.GetValue(ctx, "shared:g:widget:projection"); !ok || raw != "p1" {
		t.Fatalf("expected value in private store, got %q", raw)
	}
	err = s.Update(ctx, "projection", func(cur string, ok bool) (string, bool, error) { return cur + "2", true, nil })
	if err != nil {
		t.Fatalf("update should not fail: %v", err)
	}
	if v, _, _ := s.Get(ctx, "projection"); v != "p12" {
		t.Fatalf("unexpected fallback update result %q", v)
	}
	if len(hook.Entries) == 0 {
		t.Fatalf("expected degraded warnings to be logged")
	}
	if hook.LastEntry().Message != "shared store unavailable, using private fallback" {
		t.Fatalf("unexpected log message %q", hook.LastEntry().Message)
	}
}

func TestSharedWithoutRedisUsesFallback(t *testing.T) {
	local := openTestLocal(t)
	s := NewShared(nil, "g", local, nil)
	ctx := context.Background()
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("unexpected value %q", v)
	}
	s.Publish(ctx, "reload", "x")
}

func TestSharedValuesNeverExpire(t *testing.T) {
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	ctx := context.Background()
	s := NewShared(rc, "g", openTestLocal(t), nil)

	if err := s.Set(ctx, "projection", "p"); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := s.Update(ctx, "pending", func(cur string, ok bool) (string, bool, error) {
		return "[1]", true, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	m.FastForward(72 * time.Hour)
	for _, key := range []string{"g:widget:projection", "g:widget:pending"} {
		if ttl := m.TTL(key); ttl != 0 {
			t.Fatalf("%s has ttl %s", key, ttl)
		}
		if !m.Exists(key) {
			t.Fatalf("%s expired", key)
		}
	}
}
