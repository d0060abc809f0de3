package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/vaultmcp/vault-server-go/internal/engine"
	"github.com/vaultmcp/vault-server-go/internal/jsonrpc"
	"github.com/vaultmcp/vault-server-go/internal/logctx"
	"github.com/vaultmcp/vault-server-go/mcp"
	"github.com/vaultmcp/vault-server-go/mcpservice"
	"github.com/vaultmcp/vault-server-go/sessions"
	"github.com/vaultmcp/vault-server-go/sessions/memoryreg"
	"github.com/vaultmcp/vault-server-go/workerpool"
)

var _ http.Handler = (*StreamingHTTPHandler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	// SessionIDHeader carries the session token on requests and responses.
	// The value is opaque and untrusted; it is only ever used as a map key.
	SessionIDHeader = "Vault-Session-Id"

	defaultSweepInterval = 30 * time.Second
	maxBodyBytes         = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible. This is transport-level; it
// does not claim JSON-RPC framing.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger           *slog.Logger
	registry         sessions.Registry
	sessionLimits    sessions.Config
	workerConfig     workerpool.Config
	workersDisabled  bool
	sweepInterval    time.Duration
	acceptedVersions []string
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithSessionRegistry swaps the session registry backend. The default is an
// in-process registry built from WithSessionLimits.
func WithSessionRegistry(reg sessions.Registry) Option {
	return func(c *newConfig) { c.registry = reg }
}

// WithSessionLimits bounds the default in-process registry. Ignored when
// WithSessionRegistry supplies a backend with its own limits.
func WithSessionLimits(cfg sessions.Config) Option {
	return func(c *newConfig) { c.sessionLimits = cfg }
}

// WithWorkerConfig sizes the worker pool. MaxWorkers bounds concurrent
// session lanes, not total sessions: a lane that has drained its queue gives
// its slot back to the next session that submits.
func WithWorkerConfig(cfg workerpool.Config) Option {
	return func(c *newConfig) { c.workerConfig = cfg }
}

// WithoutWorkerPool runs every tool call on the request-handling goroutine.
func WithoutWorkerPool() Option {
	return func(c *newConfig) { c.workersDisabled = true }
}

// WithSweepInterval sets how often idle sessions are reclaimed.
func WithSweepInterval(d time.Duration) Option {
	return func(c *newConfig) { c.sweepInterval = d }
}

// WithAcceptedProtocolVersions overrides the protocol versions negotiated
// during initialize and tried by the compatibility handshake, newest first.
func WithAcceptedProtocolVersions(versions []string) Option {
	return func(c *newConfig) { c.acceptedVersions = versions }
}

// StreamingHTTPHandler is the request router: the orchestration layer that
// applies the session lifecycle rules to every inbound HTTP call. It owns
// the transport registry, the handler pool and the worker pool, and consults
// the session registry; none of that state is ambient or global.
type StreamingHTTPHandler struct {
	log        *slog.Logger
	srv        *mcpservice.Server
	sessions   sessions.Registry
	transports *transportRegistry
	handlers   *engine.Pool
	workers    *workerpool.Pool

	// locks serializes channel bind/unbind and session create per session
	// identifier so concurrent first-use of the same token cannot construct
	// two channels.
	locks            keyedLocks
	acceptedVersions []string

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}

	shutdownOnce sync.Once
}

// New constructs the router and starts its idle-session sweep loop. The
// provided context bounds the sweep loop's lifetime; Shutdown stops it too.
func New(ctx context.Context, srv *mcpservice.Server, opts ...Option) (*StreamingHTTPHandler, error) {
	if srv == nil {
		return nil, fmt.Errorf("streaminghttp: server capabilities are required")
	}

	cfg := newConfig{
		sweepInterval:    defaultSweepInterval,
		workerConfig:     workerpool.Config{MaxWorkers: 16, QueueDepth: 8, ItemTimeout: 30 * time.Second},
		acceptedVersions: mcp.SupportedProtocolVersions,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.registry == nil {
		cfg.registry = memoryreg.New(cfg.sessionLimits)
	}
	if len(cfg.acceptedVersions) == 0 {
		return nil, fmt.Errorf("streaminghttp: at least one accepted protocol version is required")
	}

	var workers *workerpool.Pool
	if !cfg.workersDisabled {
		workers = workerpool.New(cfg.workerConfig, cfg.logger)
	}

	h := &StreamingHTTPHandler{
		log:        cfg.logger,
		srv:        srv,
		sessions:   cfg.registry,
		transports: newTransportRegistry(),
		handlers:   engine.NewPool(engine.PoolConfig{AcceptedVersions: cfg.acceptedVersions, MaxHandlers: cfg.sessionLimits.MaxSessions}, srv, workers, cfg.logger),
		workers:    workers,
		locks:      keyedLocks{m: make(map[string]*lockEntry)},

		acceptedVersions: cfg.acceptedVersions,
		sweepDone:        make(chan struct{}),
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	h.cancelSweep = cancel
	go h.sweepLoop(sweepCtx, cfg.sweepInterval)

	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePost decodes one JSON-RPC message and runs the lifecycle state
// machine. Every outcome is a concrete HTTP response; nothing propagates as
// a panic to the server loop.
func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		h.log.WarnContext(ctx, "http.post.body.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "batch requests are not supported")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.WarnContext(ctx, "http.post.message.invalid", slog.String("err", err.Error()))
		h.writeResponse(w, "", jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
		return
	}

	sessID := r.Header.Get(SessionIDHeader)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "response":
		// This server never sends client-bound requests, so inbound responses
		// have nothing to correlate with. Accept and drop.
		w.WriteHeader(http.StatusAccepted)
		return
	case "notification":
		h.handleNotification(ctx, w, sessID, msg.AsRequest())
		return
	}

	req := msg.AsRequest()
	resp, sessID := h.route(ctx, sessID, req)
	h.writeResponse(w, sessID, resp)
	h.log.InfoContext(ctx, "http.post.done",
		slog.String("rpc_method", req.Method),
		slog.Duration("dur", time.Since(start)),
		slog.Bool("ok", resp.Error == nil))
}

// route is the session lifecycle state machine. It returns the response to
// write and the session identifier to echo in the response header ("" when
// no session was assigned or reused, which only the ping fast-path produces).
func (h *StreamingHTTPHandler) route(ctx context.Context, sessID string, req *jsonrpc.Request) (*jsonrpc.Response, string) {
	isInitialize := req.Method == string(mcp.InitializeMethod)

	// Fast-path keepalive: touch the session if one was named and answer
	// directly. Pings never create a session, channel or handler.
	if req.Method == string(mcp.PingMethod) {
		if sessID != "" {
			if err := h.sessions.Touch(ctx, sessID); err != nil {
				h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
			}
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), sessID
		}
		return resp, sessID
	}

	fresh := sessID == ""
	if fresh {
		// The token is the sole key across all three registries, so it must
		// be collision-free for practical purposes.
		sessID = uuid.NewString()
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	}

	// Serialize all per-identifier mutations: two concurrent requests bearing
	// the same never-seen token must not both win the create race.
	unlock := h.locks.lock(sessID)
	defer unlock()

	if ch, ok := h.transports.Get(sessID); ok {
		// Known session with a live channel. Reuse it.
		if err := h.sessions.Touch(ctx, sessID); err != nil {
			h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
		}
		return ch.Dispatch(ctx, req), sessID
	}

	if !fresh {
		h.log.InfoContext(ctx, "session.load.miss", slog.Bool("initialize", isInitialize))
	}

	// No live channel: either a brand-new client, a legitimate reconnection,
	// or an orphaned session reference left over from a sweep or restart.
	// All of them get a session record, a handler and a fresh channel.
	ch, err := h.establishChannel(ctx, sessID)
	if err != nil {
		h.log.ErrorContext(ctx, "channel.establish.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to establish session", nil), sessID
	}
	if ch == nil {
		// Defensive: no channel could be obtained at all. Tell the client to
		// initialize and retry instead of surfacing an unhandled failure.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNoActiveTransport,
			"no active transport for session, initialize and retry",
			map[string]string{"sessionId": sessID}), sessID
	}

	if !isInitialize {
		// The client skipped the explicit handshake, either because it never
		// sends one or because its session was reclaimed behind its back.
		// Complete the handshake on its behalf, then forward the original
		// request so a still-uninitialized handler produces a concrete,
		// actionable error rather than a silent drop.
		h.compatibilityHandshake(ctx, ch)
	}

	return ch.Dispatch(ctx, req), sessID
}

// establishChannel provisions the session record, handler and channel for an
// identifier that has no live channel, then binds the channel. Capacity
// eviction cascades before the new channel is bound so the freshly created
// session is never its own victim.
func (h *StreamingHTTPHandler) establishChannel(ctx context.Context, sessID string) (*Channel, error) {
	if _, err := h.sessions.CreateOrGet(ctx, sessID); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	evicted, err := h.sessions.EvictIfOverCapacity(ctx, sessID)
	if err != nil {
		h.log.WarnContext(ctx, "session.evict.fail", slog.String("err", err.Error()))
	}
	for _, victim := range evicted {
		h.reapSession(ctx, victim.ID, "capacity")
	}

	handler := h.handlers.GetOrCreate(sessID)
	ch := newChannel(sessID, handler)
	h.transports.Bind(sessID, ch)
	h.log.InfoContext(ctx, "channel.bind", slog.Int64("live", h.transports.Live()))
	return ch, nil
}

// compatibilityHandshake tries each accepted protocol version, newest first,
// against the channel's handler. Failure is logged and swallowed: the router
// proceeds fail-open so a non-conforming client is never wedged in a retry
// loop it cannot escape.
func (h *StreamingHTTPHandler) compatibilityHandshake(ctx context.Context, ch *Channel) {
	if ch.Handler().Initialized() {
		return
	}
	for _, version := range h.acceptedVersions {
		if ch.Handler().HandshakeInternally(version) {
			h.log.InfoContext(ctx, "session.compat_handshake.ok", slog.String("protocol_version", version))
			return
		}
	}
	h.log.WarnContext(ctx, "session.compat_handshake.exhausted")
}

func (h *StreamingHTTPHandler) handleNotification(ctx context.Context, w http.ResponseWriter, sessID string, note *jsonrpc.Request) {
	if sessID == "" {
		// A notification cannot carry an error back, so there is no point
		// provisioning a session for one.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := h.sessions.Touch(ctx, sessID); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}
	if ch, ok := h.transports.Get(sessID); ok {
		ch.DispatchNotification(ctx, note)
	}
	w.Header().Set(SessionIDHeader, sessID)
	w.WriteHeader(http.StatusAccepted)
}

// handleGet serves the endpoint discovery document with a stats snapshot.
func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionCount, err := h.sessions.Len(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "session.len.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	handlerStats := h.handlers.Stats()
	doc := map[string]any{
		"server": map[string]any{
			"name":    h.srv.Info().Name,
			"version": h.srv.Info().Version,
		},
		"capabilities":     h.srv.Capabilities(),
		"protocolVersions": h.acceptedVersions,
		"transport": map[string]any{
			"type":          "json-rpc-http",
			"sessionHeader": SessionIDHeader,
			"methods":       []string{"POST", "GET", "DELETE"},
		},
		"stats": map[string]any{
			"sessions":           sessionCount,
			"liveChannels":       h.transports.Live(),
			"activeHandlers":     handlerStats.ActiveHandlers,
			"cumulativeRequests": handlerStats.CumulativeRequests,
		},
	}
	if h.workers != nil {
		ws := h.workers.Stats()
		doc["workers"] = map[string]any{
			"activeLanes": ws.ActiveLanes,
			"maxWorkers":  ws.MaxWorkers,
			"submitted":   ws.Submitted,
			"completed":   ws.Completed,
			"rejected":    ws.Rejected,
			"timedOut":    ws.TimedOut,
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// handleDelete is the explicit session close entry point.
func (h *StreamingHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+SessionIDHeader+" header")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	unlock := h.locks.lock(sessID)
	defer unlock()

	_, hadChannel := h.transports.Get(sessID)
	if !hadChannel {
		// Reclaim any registry leftovers so a stale identifier does not
		// linger, but the outcome is still "not found".
		if err := h.sessions.Delete(ctx, sessID); err == nil {
			h.handlers.Evict(sessID)
			if h.workers != nil {
				h.workers.ReleaseSession(sessID)
			}
		} else if !errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		}
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	h.reapSession(ctx, sessID, "delete")
	h.log.InfoContext(ctx, "session.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}

// reapSession cascades one session's teardown in a fixed order: channel
// close and unbind, then handler eviction, then the worker lane, then the
// registry record. Safe to call for identifiers with no live channel.
func (h *StreamingHTTPHandler) reapSession(ctx context.Context, sessID string, reason string) {
	if ch, ok := h.transports.Get(sessID); ok {
		_ = ch.Close()
	}
	h.transports.Unbind(sessID)
	h.handlers.Evict(sessID)
	if h.workers != nil {
		h.workers.ReleaseSession(sessID)
	}
	if err := h.sessions.Delete(ctx, sessID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.reap",
		slog.String("session_id", sessID),
		slog.String("reason", reason),
		slog.Int64("live", h.transports.Live()))
}

// sweepLoop reclaims idle sessions periodically rather than on every
// request. Each removed session cascades into channel, handler and worker
// teardown; the next request bearing that identifier simply follows the
// orphaned-session path and re-establishes a channel.
func (h *StreamingHTTPHandler) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(h.sweepDone)
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := h.sessions.Sweep(ctx, now)
			if err != nil {
				h.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
				continue
			}
			for _, s := range removed {
				unlock := h.locks.lock(s.ID)
				h.reapSession(ctx, s.ID, "idle")
				unlock()
			}
		}
	}
}

// SweepNow runs one idle sweep immediately. Useful for operational tooling
// and deterministic tests; the background loop keeps running regardless.
func (h *StreamingHTTPHandler) SweepNow(ctx context.Context, now time.Time) (int, error) {
	removed, err := h.sessions.Sweep(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, s := range removed {
		unlock := h.locks.lock(s.ID)
		h.reapSession(ctx, s.ID, "idle")
		unlock()
	}
	return len(removed), nil
}

// Shutdown tears the router down: stop accepting new session work, close
// every live channel, clear both registries, then stop the worker pool and
// handler pool. Idempotent.
func (h *StreamingHTTPHandler) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.cancelSweep()
		select {
		case <-h.sweepDone:
		case <-ctx.Done():
		}

		h.transports.CloseAll()
		if err := h.sessions.Clear(ctx); err != nil {
			h.log.Warn("http.shutdown.sessions_clear.fail", slog.String("err", err.Error()))
		}
		if h.workers != nil {
			h.workers.Shutdown()
		}
		h.handlers.Shutdown()
		h.log.Info("http.shutdown.done")
	})
	return ctx.Err()
}

// writeResponse emits one JSON-RPC response, echoing the session identifier
// whenever one was assigned or reused.
func (h *StreamingHTTPHandler) writeResponse(w http.ResponseWriter, sessID string, resp *jsonrpc.Response) {
	if sessID != "" {
		w.Header().Set(SessionIDHeader, sessID)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// keyedLocks hands out one mutex per in-flight session identifier so
// lifecycle mutations for the same token serialize without a single global
// lock spanning unrelated sessions.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the per-key mutex and returns its release function.
func (kl *keyedLocks) lock(key string) func() {
	kl.mu.Lock()
	e, ok := kl.m[key]
	if !ok {
		e = &lockEntry{}
		kl.m[key] = e
	}
	e.refs++
	kl.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		kl.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(kl.m, key)
		}
		kl.mu.Unlock()
	}
}
