package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vaultmcp/vault-server-go/internal/jsonrpc"
	"github.com/vaultmcp/vault-server-go/mcp"
	"github.com/vaultmcp/vault-server-go/mcpservice"
)

func newTestPool(t *testing.T, opts ...mcpservice.ServerOption) *Pool {
	t.Helper()
	srv := mcpservice.NewServer(opts...)
	return NewPool(PoolConfig{}, srv, nil, nil)
}

func initializeReq(t *testing.T, version string) *jsonrpc.Request {
	t.Helper()
	params, err := json.Marshal(mcp.InitializeRequest{
		ProtocolVersion: version,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("marshal initialize params: %v", err)
	}
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(1),
	}
}

func TestGetOrCreateMemoizes(t *testing.T) {
	p := newTestPool(t)

	h1 := p.GetOrCreate("S1")
	h2 := p.GetOrCreate("S1")
	if h1 != h2 {
		t.Fatalf("expected the same handler instance for the same session id")
	}
	if s := p.Stats(); s.Constructed != 1 || s.ActiveHandlers != 1 {
		t.Fatalf("expected one constructed handler, got %+v", s)
	}

	other := p.GetOrCreate("S2")
	if other == h1 {
		t.Fatalf("different sessions must not share a handler")
	}
	if s := p.Stats(); s.Constructed != 2 {
		t.Fatalf("expected two constructed handlers, got %+v", s)
	}
}

func TestEvictForcesReconstruction(t *testing.T) {
	p := newTestPool(t)

	h1 := p.GetOrCreate("S1")
	h1.HandshakeInternally(mcp.LatestProtocolVersion)
	p.Evict("S1")

	h2 := p.GetOrCreate("S1")
	if h2 == h1 {
		t.Fatalf("evicted handler must not be returned again")
	}
	if h2.Initialized() {
		t.Fatalf("fresh handler must start uninitialized")
	}
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	p := newTestPool(t)
	h := p.GetOrCreate("S1")

	resp := h.HandleRequest(context.Background(), initializeReq(t, mcp.LatestProtocolVersion))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("expected %q, got %q", mcp.LatestProtocolVersion, res.ProtocolVersion)
	}
	if !h.Initialized() {
		t.Fatalf("handler should be initialized after handshake")
	}
}

func TestInitializeFallsBackToNewestSupported(t *testing.T) {
	p := newTestPool(t)
	h := p.GetOrCreate("S1")

	resp := h.HandleRequest(context.Background(), initializeReq(t, "1999-01-01"))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.ProtocolVersion != mcp.SupportedProtocolVersions[0] {
		t.Fatalf("expected fallback to %q, got %q", mcp.SupportedProtocolVersions[0], res.ProtocolVersion)
	}
}

func TestRequestsBeforeInitializeAreRejected(t *testing.T) {
	p := newTestPool(t, mcpservice.WithToolsContainer(mcpservice.NewToolsContainer()))
	h := p.GetOrCreate("S1")

	resp := h.HandleRequest(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsListMethod),
		ID:             jsonrpc.NewRequestID(1),
	})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("expected not-initialized error, got %+v", resp.Error)
	}
	data, ok := resp.Error.Data.(map[string]string)
	if !ok || data["sessionId"] != "S1" {
		t.Fatalf("not-initialized error must carry the session id, got %+v", resp.Error.Data)
	}
}

func TestPingWorksWithoutInitialize(t *testing.T) {
	p := newTestPool(t)
	h := p.GetOrCreate("S1")

	resp := h.HandleRequest(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.PingMethod),
		ID:             jsonrpc.NewRequestID("p1"),
	})
	if resp.Error != nil {
		t.Fatalf("ping must succeed pre-initialize: %+v", resp.Error)
	}
}

func TestHandshakeInternallyRespectsAcceptedVersions(t *testing.T) {
	srv := mcpservice.NewServer()
	p := NewPool(PoolConfig{AcceptedVersions: []string{"2025-06-18"}}, srv, nil, nil)
	h := p.GetOrCreate("S1")

	if h.HandshakeInternally("2011-11-11") {
		t.Fatalf("unsupported version must be rejected")
	}
	if h.Initialized() {
		t.Fatalf("rejected handshake must not initialize the handler")
	}
	if !h.HandshakeInternally("2025-06-18") {
		t.Fatalf("supported version must be accepted")
	}
	if got := h.ProtocolVersion(); got != "2025-06-18" {
		t.Fatalf("expected negotiated version, got %q", got)
	}
}

func TestToolCallDispatch(t *testing.T) {
	type args struct {
		Text string `json:"text"`
	}
	tc := mcpservice.NewToolsContainer(mcpservice.NewTool("echo", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return mcpservice.TextResult(a.Text), nil
	}))
	p := newTestPool(t, mcpservice.WithToolsContainer(tc))
	h := p.GetOrCreate("S1")
	h.HandshakeInternally(mcp.LatestProtocolVersion)

	params, _ := json.Marshal(mcp.CallToolRequestReceived{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)})
	resp := h.HandleRequest(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(2),
	})
	if resp.Error != nil {
		t.Fatalf("tool call failed: %+v", resp.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected tool result: %+v", res)
	}
}
