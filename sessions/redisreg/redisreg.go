// Package redisreg is a Redis-backed implementation of sessions.Registry for
// deployments that run more than one server instance behind a balancer. The
// record hash and the activity index live in Redis so that sweep and eviction
// decisions agree across instances.
package redisreg

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/vaultmcp/vault-server-go/sessions"
)

// Config for the Redis-backed registry. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=vault:sessions:"`

	Limits sessions.Config
}

// Registry is a Redis-backed sessions.Registry.
type Registry struct {
	client    *redis.Client
	keyPrefix string
	cfg       sessions.Config
}

var _ sessions.Registry = (*Registry)(nil)

// New constructs a registry and verifies connectivity with a ping.
func New(cfg Config) (*Registry, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vault:sessions:"
	}
	return &Registry{client: cl, keyPrefix: prefix, cfg: cfg.Limits}, nil
}

// NewFromEnv builds a Registry using envdecode to populate Config.
func NewFromEnv(limits sessions.Config) (*Registry, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cfg.Limits = limits
	return New(cfg)
}

// Close closes the Redis client.
func (r *Registry) Close() error { return r.client.Close() }

func (r *Registry) recordKey(id string) string { return r.keyPrefix + "rec:" + id }
func (r *Registry) activityKey() string        { return r.keyPrefix + "activity" }

func (r *Registry) CreateOrGet(ctx context.Context, id string) (sessions.Session, error) {
	now := time.Now()
	created, err := r.client.HSetNX(ctx, r.recordKey(id), "created", now.UnixNano()).Result()
	if err != nil {
		return sessions.Session{}, fmt.Errorf("redis hsetnx: %w", err)
	}
	if created {
		pipe := r.client.Pipeline()
		pipe.HSetNX(ctx, r.recordKey(id), "count", 0)
		pipe.ZAddNX(ctx, r.activityKey(), redis.Z{Score: float64(now.UnixNano()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return sessions.Session{}, fmt.Errorf("redis create session: %w", err)
		}
		return sessions.Session{ID: id, CreatedAt: now, LastActivity: now}, nil
	}
	return r.Get(ctx, id)
}

func (r *Registry) Touch(ctx context.Context, id string) error {
	n, err := r.client.Exists(ctx, r.recordKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		// Unknown session: a touch is a no-op by contract.
		return nil
	}
	pipe := r.client.Pipeline()
	pipe.ZAddArgs(ctx, r.activityKey(), redis.ZAddArgs{XX: true, Members: []redis.Z{{Score: float64(time.Now().UnixNano()), Member: id}}})
	pipe.HIncrBy(ctx, r.recordKey(id), "count", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis touch: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (sessions.Session, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return sessions.Session{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	score, err := r.client.ZScore(ctx, r.activityKey(), id).Result()
	if err != nil && err != redis.Nil {
		return sessions.Session{}, fmt.Errorf("redis zscore: %w", err)
	}
	sess := sessions.Session{ID: id}
	if v, ok := fields["created"]; ok {
		if ns, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			sess.CreatedAt = time.Unix(0, ns)
		}
	}
	if v, ok := fields["count"]; ok {
		sess.RequestCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if score > 0 {
		sess.LastActivity = time.Unix(0, int64(score))
	} else {
		sess.LastActivity = sess.CreatedAt
	}
	return sess, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	del := pipe.Del(ctx, r.recordKey(id))
	pipe.ZRem(ctx, r.activityKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	if del.Val() == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (r *Registry) Sweep(ctx context.Context, now time.Time) ([]sessions.Session, error) {
	if r.cfg.IdleTimeout <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-r.cfg.IdleTimeout).UnixNano()
	// Exclusive bound: a session whose idle time equals IdleTimeout exactly
	// is still live, matching the in-memory registry.
	ids, err := r.client.ZRangeByScore(ctx, r.activityKey(), &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(cutoff, 10)}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sweep range: %w", err)
	}
	var removed []sessions.Session
	for _, id := range ids {
		sess, gerr := r.Get(ctx, id)
		if gerr != nil {
			continue
		}
		if derr := r.Delete(ctx, id); derr != nil {
			continue
		}
		removed = append(removed, sess)
	}
	return removed, nil
}

func (r *Registry) EvictIfOverCapacity(ctx context.Context, keep string) ([]sessions.Session, error) {
	if r.cfg.MaxSessions <= 0 {
		return nil, nil
	}
	var removed []sessions.Session
	for {
		n, err := r.client.ZCard(ctx, r.activityKey()).Result()
		if err != nil {
			return removed, fmt.Errorf("redis zcard: %w", err)
		}
		if int(n) <= r.cfg.MaxSessions {
			return removed, nil
		}
		// Walk from the least-recently-active end, skipping the protected id.
		// Redis orders equal scores lexically; close enough to the creation
		// time tiebreaker for a shared index.
		candidates, err := r.client.ZRange(ctx, r.activityKey(), 0, 1).Result()
		if err != nil {
			return removed, fmt.Errorf("redis zrange: %w", err)
		}
		victim := ""
		for _, id := range candidates {
			if id != keep {
				victim = id
				break
			}
		}
		if victim == "" {
			return removed, nil
		}
		sess, gerr := r.Get(ctx, victim)
		if gerr == nil {
			removed = append(removed, sess)
		}
		if derr := r.Delete(ctx, victim); derr != nil && derr != sessions.ErrSessionNotFound {
			return removed, derr
		}
	}
}

func (r *Registry) Clear(ctx context.Context) error {
	ids, err := r.client.ZRange(ctx, r.activityKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis clear range: %w", err)
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.recordKey(id))
	}
	pipe.Del(ctx, r.activityKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

func (r *Registry) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.activityKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}
