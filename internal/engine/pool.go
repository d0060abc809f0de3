package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vaultmcp/vault-server-go/mcp"
	"github.com/vaultmcp/vault-server-go/mcpservice"
	"github.com/vaultmcp/vault-server-go/workerpool"
)

// PoolConfig bounds and parameterizes handler construction.
type PoolConfig struct {
	// AcceptedVersions lists the protocol versions handlers negotiate,
	// newest first. Defaults to mcp.SupportedProtocolVersions.
	AcceptedVersions []string
	// MaxHandlers is advisory, surfaced in stats. Actual session capacity is
	// enforced by the session registry; the handler pool follows its lead.
	MaxHandlers int
}

// Pool lazily creates and caches one Handler per session identifier so
// session-scoped protocol state (negotiated version, capabilities) never
// leaks across sessions.
type Pool struct {
	cfg     PoolConfig
	srv     *mcpservice.Server
	workers *workerpool.Pool
	log     *slog.Logger

	mu       sync.Mutex
	handlers map[string]*Handler

	requests    atomic.Int64
	constructed atomic.Int64
}

// PoolStats is a point-in-time snapshot for observability.
type PoolStats struct {
	ActiveHandlers     int
	MaxHandlers        int
	CumulativeRequests int64
	Constructed        int64
}

// NewPool builds an empty handler pool. workers may be nil; tool calls then
// run on the request-handling goroutine regardless of eligibility.
func NewPool(cfg PoolConfig, srv *mcpservice.Server, workers *workerpool.Pool, log *slog.Logger) *Pool {
	if len(cfg.AcceptedVersions) == 0 {
		cfg.AcceptedVersions = mcp.SupportedProtocolVersions
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		cfg:      cfg,
		srv:      srv,
		workers:  workers,
		log:      log,
		handlers: make(map[string]*Handler),
	}
}

// GetOrCreate returns the cached handler for the session identifier,
// constructing one if absent. Construction is cheap and memoized, so calling
// this on the request path is fine.
func (p *Pool) GetOrCreate(sessionID string) *Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handlers[sessionID]; ok {
		return h
	}
	h := &Handler{
		sessionID:        sessionID,
		srv:              p.srv,
		workers:          p.workers,
		log:              p.log,
		acceptedVersions: p.cfg.AcceptedVersions,
		requests:         &p.requests,
	}
	p.handlers[sessionID] = h
	p.constructed.Add(1)
	return h
}

// Get returns the cached handler without creating one.
func (p *Pool) Get(sessionID string) (*Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[sessionID]
	return h, ok
}

// Evict drops the handler for a session. Subsequent GetOrCreate constructs a
// fresh, uninitialized handler.
func (p *Pool) Evict(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, sessionID)
}

// Shutdown clears the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = make(map[string]*Handler)
}

// Stats reports aggregate pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	active := len(p.handlers)
	p.mu.Unlock()
	return PoolStats{
		ActiveHandlers:     active,
		MaxHandlers:        p.cfg.MaxHandlers,
		CumulativeRequests: p.requests.Load(),
		Constructed:        p.constructed.Load(),
	}
}
