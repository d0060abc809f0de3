// Package memoryreg is the in-process implementation of sessions.Registry.
// It is the default backend for single-instance deployments.
package memoryreg

import (
	"context"
	"sync"
	"time"

	"github.com/vaultmcp/vault-server-go/sessions"
)

// Registry is an in-memory sessions.Registry.
type Registry struct {
	cfg sessions.Config

	mu      sync.Mutex
	records map[string]*sessions.Session

	// now is swappable for tests.
	now func() time.Time
}

var _ sessions.Registry = (*Registry)(nil)

// New constructs an empty registry bounded by cfg.
func New(cfg sessions.Config) *Registry {
	return &Registry{
		cfg:     cfg,
		records: make(map[string]*sessions.Session),
		now:     time.Now,
	}
}

func (r *Registry) CreateOrGet(ctx context.Context, id string) (sessions.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return *rec, nil
	}
	now := r.now()
	rec := &sessions.Session{ID: id, CreatedAt: now, LastActivity: now}
	r.records[id] = rec
	return *rec, nil
}

func (r *Registry) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.LastActivity = r.now()
		rec.RequestCount++
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (sessions.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return *rec, nil
	}
	return sessions.Session{}, sessions.ErrSessionNotFound
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return sessions.ErrSessionNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *Registry) Sweep(ctx context.Context, now time.Time) ([]sessions.Session, error) {
	if r.cfg.IdleTimeout <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []sessions.Session
	for id, rec := range r.records {
		if now.Sub(rec.LastActivity) > r.cfg.IdleTimeout {
			removed = append(removed, *rec)
			delete(r.records, id)
		}
	}
	return removed, nil
}

func (r *Registry) EvictIfOverCapacity(ctx context.Context, keep string) ([]sessions.Session, error) {
	if r.cfg.MaxSessions <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []sessions.Session
	for len(r.records) > r.cfg.MaxSessions {
		victim := r.leastRecentlyActiveLocked(keep)
		if victim == "" {
			break
		}
		removed = append(removed, *r.records[victim])
		delete(r.records, victim)
	}
	return removed, nil
}

// leastRecentlyActiveLocked selects the eviction victim: oldest LastActivity,
// ties broken by earliest CreatedAt. Returns "" when only keep remains.
func (r *Registry) leastRecentlyActiveLocked(keep string) string {
	var victim string
	var vRec *sessions.Session
	for id, rec := range r.records {
		if id == keep {
			continue
		}
		if vRec == nil {
			victim, vRec = id, rec
			continue
		}
		if rec.LastActivity.Before(vRec.LastActivity) ||
			(rec.LastActivity.Equal(vRec.LastActivity) && rec.CreatedAt.Before(vRec.CreatedAt)) {
			victim, vRec = id, rec
		}
	}
	return victim
}

func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*sessions.Session)
	return nil
}

func (r *Registry) Len(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records), nil
}
