// Package engine holds the per-session protocol handler: the object that
// owns a session's negotiated protocol state and dispatches decoded JSON-RPC
// requests against the server's capabilities. Handlers are cached in a Pool
// keyed by session identifier so negotiated state never leaks across
// sessions.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultmcp/vault-server-go/internal/jsonrpc"
	"github.com/vaultmcp/vault-server-go/internal/logctx"
	"github.com/vaultmcp/vault-server-go/mcp"
	"github.com/vaultmcp/vault-server-go/mcpservice"
	"github.com/vaultmcp/vault-server-go/workerpool"
)

// Handler is the protocol-level object for one session. It is safe for
// concurrent use: a client may pipeline requests against the same channel.
type Handler struct {
	sessionID        string
	srv              *mcpservice.Server
	workers          *workerpool.Pool
	log              *slog.Logger
	acceptedVersions []string
	requests         *atomic.Int64

	mu              sync.RWMutex
	initialized     bool
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
}

// Initialized reports whether the handshake has completed for this session.
func (h *Handler) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

// ProtocolVersion returns the negotiated version, or "" before initialization.
func (h *Handler) ProtocolVersion() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.protocolVersion
}

// accepts reports whether this handler speaks the given protocol version.
func (h *Handler) accepts(version string) bool {
	for _, v := range h.acceptedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// HandshakeInternally performs the initialize negotiation on behalf of a
// client that skipped the explicit handshake. It reports whether the version
// was accepted. No response is written anywhere; this is the internal API
// that replaces synthesizing a fake request/response pair.
func (h *Handler) HandshakeInternally(version string) bool {
	if !h.accepts(version) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = true
	h.protocolVersion = version
	return true
}

// HandleRequest dispatches one decoded request and always produces a
// response. Internal failures become JSON-RPC error responses; they are never
// allowed to escape as panics or unhandled errors.
func (h *Handler) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	h.requests.Add(1)
	start := time.Now()
	log := h.log.With(slog.String("method", req.Method))

	switch req.Method {
	case string(mcp.PingMethod):
		resp, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return resp
	case string(mcp.InitializeMethod):
		return h.handleInitialize(ctx, req)
	}

	if !h.Initialized() {
		log.InfoContext(ctx, "engine.request.not_initialized", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "session not initialized",
			map[string]string{"sessionId": h.sessionID})
	}

	switch req.Method {
	case string(mcp.ToolsListMethod):
		return h.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		return h.handleToolCall(ctx, req)
	case string(mcp.ResourcesListMethod):
		return h.handleResourcesList(ctx, req)
	case string(mcp.ResourcesReadMethod):
		return h.handleResourcesRead(ctx, req)
	default:
		log.InfoContext(ctx, "engine.request.unknown_method", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}
}

// HandleNotification processes a notification. Unknown notifications are
// ignored by design.
func (h *Handler) HandleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		h.log.InfoContext(ctx, "engine.notification.initialized")
	default:
		h.log.InfoContext(ctx, "engine.notification.ignored", slog.String("method", note.Method))
	}
}

func (h *Handler) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	// Version negotiation: accept the client's version when we speak it,
	// otherwise answer with the newest version we do speak.
	negotiated := initReq.ProtocolVersion
	if !h.accepts(negotiated) {
		negotiated = h.acceptedVersions[0]
	}

	h.mu.Lock()
	h.initialized = true
	h.protocolVersion = negotiated
	h.clientInfo = initReq.ClientInfo
	h.mu.Unlock()

	res := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    h.srv.Capabilities(),
		ServerInfo:      h.srv.Info(),
		Instructions:    h.srv.Instructions(),
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		h.log.ErrorContext(ctx, "engine.initialize.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	h.log.InfoContext(ctx, "engine.initialize.ok", slog.String("protocol_version", negotiated))
	return resp
}

func (h *Handler) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	tc := h.srv.Tools()
	if tc == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil)
	}
	tools, err := tc.ListTools(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "engine.tools_list.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

func (h *Handler) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	tc := h.srv.Tools()
	if tc == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil)
	}

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	start := time.Now()

	var res *mcp.CallToolResult
	var err error
	if tool, ok := tc.Get(params.Name); ok && tool.WorkerEligible && h.workers != nil {
		res, err = h.callViaWorkerPool(ctx, req, &params)
	} else {
		res, err = tc.CallTool(ctx, &params)
	}
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.log.InfoContext(ctx, "engine.tool_call.cancelled", slog.Duration("dur", time.Since(start)))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil)
		}
		h.log.ErrorContext(ctx, "engine.tool_call.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	resp, mErr := jsonrpc.NewResultResponse(req.ID, res)
	if mErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	h.log.InfoContext(ctx, "engine.tool_call.ok", slog.Duration("dur", time.Since(start)))
	return resp
}

// callViaWorkerPool submits the invocation to the session's worker lane and
// waits for its single completion. Pool backpressure and expiry surface as
// the distinct reserved error codes so clients can tell "retry later" from
// "bad request".
func (h *Handler) callViaWorkerPool(ctx context.Context, req *jsonrpc.Request, params *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	res, err := h.workers.Submit(workerpool.Item{
		ID:        req.ID.String(),
		SessionID: h.sessionID,
		Operation: params.Name,
		Fn: func(workCtx context.Context) (any, error) {
			return h.srv.Tools().CallTool(workCtx, params)
		},
	})
	if err != nil {
		if errors.Is(err, workerpool.ErrCapacity) {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeCapacityExceeded, Message: "worker pool at capacity, retry later"}
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			if errors.Is(r.Err, workerpool.ErrTimeout) {
				return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeWorkerTimeout, Message: "work item timed out"}
			}
			return nil, r.Err
		}
		out, _ := r.Value.(*mcp.CallToolResult)
		return out, nil
	}
}

func (h *Handler) handleResourcesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	rc := h.srv.Resources()
	if rc == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources not supported", nil)
	}
	resources, err := rc.ListResources(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "engine.resources_list.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, &mcp.ListResourcesResult{Resources: resources})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

func (h *Handler) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	rc := h.srv.Resources()
	if rc == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources not supported", nil)
	}
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	res, err := rc.ReadResource(ctx, params.URI)
	if err != nil {
		// Store-level errors (path firewall, missing documents) are opaque to
		// this layer; forward their text so the client gets something actionable.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	resp, mErr := jsonrpc.NewResultResponse(req.ID, res)
	if mErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}
