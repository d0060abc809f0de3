package mcpservice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vaultmcp/vault-server-go/mcp"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
	// WorkerEligible marks operations expensive enough to route through the
	// worker pool rather than running on the request-handling goroutine.
	WorkerEligible bool
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and
// handlers.
type ToolsContainer struct {
	mu    sync.RWMutex
	tools map[string]StaticTool
}

// NewToolsContainer builds a container holding the given tools.
func NewToolsContainer(tools ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{tools: make(map[string]StaticTool, len(tools))}
	for _, t := range tools {
		tc.tools[t.Descriptor.Name] = t
	}
	return tc
}

// Register adds or replaces a tool.
func (tc *ToolsContainer) Register(t StaticTool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tools[t.Descriptor.Name] = t
}

// ListTools returns the tool descriptors in stable name order.
func (tc *ToolsContainer) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(tc.tools))
	for _, t := range tc.tools {
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the registered tool by name.
func (tc *ToolsContainer) Get(name string) (StaticTool, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	t, ok := tc.tools[name]
	return t, ok
}

// CallTool dispatches an invocation to the named tool's handler. Unknown
// tools produce an in-band error result rather than a Go error so the client
// sees an actionable message.
func (tc *ToolsContainer) CallTool(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	t, ok := tc.Get(req.Name)
	if !ok {
		return Errorf("unknown tool: %s", req.Name), nil
	}
	return t.Handler(ctx, req)
}

// TextResult builds a successful result with one text block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// Errorf builds an in-band tool error result.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
