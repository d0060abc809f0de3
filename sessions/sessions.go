// Package sessions defines the session registry contract: one record per
// active session, an idle-timeout sweep, and least-recently-active eviction
// when the registry exceeds its configured capacity.
//
// The registry is pure bookkeeping. It never owns channels or handlers;
// cascading cleanup of those belongs to the caller, which is why Sweep and
// EvictIfOverCapacity return the removed sessions instead of firing callbacks.
package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound indicates the registry has no record for the identifier.
var ErrSessionNotFound = errors.New("session not found")

// Session is one registry record. The identifier never changes once the
// record exists, and at most one record exists per identifier.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	RequestCount int64
}

// Config bounds the registry. Zero values disable the corresponding limit.
type Config struct {
	// MaxSessions caps the number of live session records. When exceeded,
	// EvictIfOverCapacity removes least-recently-active records first,
	// breaking ties by earliest creation time.
	MaxSessions int
	// IdleTimeout is the maximum idle duration before Sweep removes a record.
	IdleTimeout time.Duration
}

// Registry tracks active sessions. Implementations MUST be safe for
// concurrent use.
type Registry interface {
	// CreateOrGet returns the existing record for id, creating one with a
	// zero request count if absent. It is idempotent.
	CreateOrGet(ctx context.Context, id string) (Session, error)

	// Touch records activity on the session: it bumps LastActivity and
	// increments RequestCount. Touching an unknown id is a no-op, not an error.
	Touch(ctx context.Context, id string) error

	// Get returns the record for id or ErrSessionNotFound.
	Get(ctx context.Context, id string) (Session, error)

	// Delete removes the record for id. Deleting an unknown id returns
	// ErrSessionNotFound.
	Delete(ctx context.Context, id string) error

	// Sweep removes every record whose idle time at now exceeds the
	// configured IdleTimeout and returns the removed sessions so the caller
	// can cascade channel and handler cleanup.
	Sweep(ctx context.Context, now time.Time) ([]Session, error)

	// EvictIfOverCapacity removes least-recently-active records until the
	// registry is back under MaxSessions, never removing keep. It returns
	// the removed sessions for cascading cleanup.
	EvictIfOverCapacity(ctx context.Context, keep string) ([]Session, error)

	// Clear removes every record. It is intended for shutdown, after the
	// caller has already torn down the channels and handlers attached to
	// the sessions.
	Clear(ctx context.Context) error

	// Len reports the number of live records.
	Len(ctx context.Context) (int, error)
}
