package redisreg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmcp/vault-server-go/sessions"
)

// newTestRegistry connects to a local Redis or skips the test.
func newTestRegistry(t *testing.T, limits sessions.Config) *Registry {
	t.Helper()
	r, err := New(Config{
		KeyPrefix: fmt.Sprintf("vault:test:%s:", uuid.NewString()),
		Limits:    limits,
	})
	if err != nil {
		t.Skipf("skipping redis registry tests: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisCreateOrGetIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, sessions.Config{})
	ctx := context.Background()

	first, err := r.CreateOrGet(ctx, "S1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	second, err := r.CreateOrGet(ctx, "S1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected same record, got created %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	if n, _ := r.Len(ctx); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestRedisTouchAndDelete(t *testing.T) {
	r := newTestRegistry(t, sessions.Config{})
	ctx := context.Background()

	if err := r.Touch(ctx, "ghost"); err != nil {
		t.Fatalf("touch of unknown session must not error: %v", err)
	}

	if _, err := r.CreateOrGet(ctx, "S1"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := r.Touch(ctx, "S1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	sess, err := r.Get(ctx, "S1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.RequestCount != 1 {
		t.Fatalf("expected request count 1, got %d", sess.RequestCount)
	}

	if err := r.Delete(ctx, "S1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete(ctx, "S1"); err != sessions.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRedisSweepAndEviction(t *testing.T) {
	r := newTestRegistry(t, sessions.Config{MaxSessions: 2, IdleTimeout: time.Minute})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.CreateOrGet(ctx, id); err != nil {
			t.Fatalf("CreateOrGet(%s): %v", id, err)
		}
	}

	removed, err := r.Sweep(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected both sessions swept, got %v", removed)
	}
	if n, _ := r.Len(ctx); n != 0 {
		t.Fatalf("expected empty registry after sweep, got %d", n)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.CreateOrGet(ctx, id); err != nil {
			t.Fatalf("CreateOrGet(%s): %v", id, err)
		}
		// Distinct activity scores so eviction order is deterministic.
		time.Sleep(2 * time.Millisecond)
		if err := r.Touch(ctx, id); err != nil {
			t.Fatalf("Touch(%s): %v", id, err)
		}
	}

	evicted, err := r.EvictIfOverCapacity(ctx, "c")
	if err != nil {
		t.Fatalf("EvictIfOverCapacity: %v", err)
	}
	if len(evicted) != 1 || evicted[0].ID != "a" {
		t.Fatalf("expected session a to be evicted, got %v", evicted)
	}
}

func TestRedisSweepSparesExactIdleBoundary(t *testing.T) {
	r := newTestRegistry(t, sessions.Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	if _, err := r.CreateOrGet(ctx, "edge"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	sess, err := r.Get(ctx, "edge")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Idle for exactly IdleTimeout: still live, same as the in-memory backend.
	removed, err := r.Sweep(ctx, sess.LastActivity.Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("session at the exact idle boundary must survive, got %v", removed)
	}

	removed, err = r.Sweep(ctx, sess.LastActivity.Add(time.Minute+time.Second))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "edge" {
		t.Fatalf("session past the idle boundary must be swept, got %v", removed)
	}
}

func TestRedisClearRemovesEveryKey(t *testing.T) {
	r := newTestRegistry(t, sessions.Config{})
	ctx := context.Background()

	for _, id := range []string{"S1", "S2"} {
		if _, err := r.CreateOrGet(ctx, id); err != nil {
			t.Fatalf("CreateOrGet(%s): %v", id, err)
		}
	}

	if err := r.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := r.Len(ctx); n != 0 {
		t.Fatalf("expected empty registry after clear, got %d", n)
	}
	if _, err := r.Get(ctx, "S1"); err != sessions.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after clear, got %v", err)
	}
}
