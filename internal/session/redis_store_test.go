package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), 5*time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", time.Minute); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisStoreKeyTTL(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Put(ctx, Session{ParticipantID: 55, Mode: ModeConfession, LastActivity: time.Now()}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ttl := s.TTL("conversation:55"); ttl != 10*time.Minute {
		t.Fatalf("TTL = %v, want 10m", ttl)
	}

	s.FastForward(11 * time.Minute)
	if _, ok, err := store.Get(ctx, 55); err != nil || ok {
		t.Fatalf("Get() after TTL = %v, %v, want missing", ok, err)
	}
}

func TestRedisTakeIsSingleUse(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	_ = store.Put(ctx, Session{ParticipantID: 9, Mode: ModeFeedback, LastActivity: time.Now()})

	if _, ok, err := store.Take(ctx, 9); err != nil || !ok {
		t.Fatalf("Take() = %v, %v", ok, err)
	}
	if _, ok, err := store.Take(ctx, 9); err != nil || ok {
		t.Fatalf("second Take() = %v, %v, want missing", ok, err)
	}
}

func TestRedisSweepKeepsSessionRestartedMidSweep(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	stale := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fresh := stale.Add(time.Hour)

	if err := store.Put(ctx, Session{ParticipantID: 77, Mode: ModeConfession, LastActivity: stale}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store.beforeSweepDelete = func(string) {
		if err := store.Put(ctx, Session{ParticipantID: 77, Mode: ModeFeedback, LastActivity: fresh}); err != nil {
			t.Errorf("Put() during sweep error = %v", err)
		}
	}

	removed, err := store.Sweep(ctx, stale.Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 0 {
		t.Fatalf("Sweep() removed = %d, want 0", removed)
	}
	got, ok, err := store.Get(ctx, 77)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, want restarted session", ok, err)
	}
	if got.Mode != ModeFeedback || !got.LastActivity.Equal(fresh) {
		t.Fatalf("session = %+v, want the restarted feedback session", got)
	}
}
