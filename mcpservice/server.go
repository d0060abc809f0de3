package mcpservice

import (
	"context"

	"github.com/vaultmcp/vault-server-go/mcp"
)

// ResourcesCapability exposes a read-only resource surface.
type ResourcesCapability interface {
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// Server is the static description of this deployment's capabilities.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	resources    ResourcesCapability
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the implementation identity advertised in initialize
// results and the discovery document.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) { s.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithInstructions sets usage instructions returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithToolsContainer sets the tool catalog.
func WithToolsContainer(tc *ToolsContainer) ServerOption {
	return func(s *Server) { s.tools = tc }
}

// WithResourcesCapability sets the resource surface.
func WithResourcesCapability(rc ResourcesCapability) ServerOption {
	return func(s *Server) { s.resources = rc }
}

// NewServer constructs a Server from options. A server without tools or
// resources is valid; the corresponding capabilities are simply not
// advertised.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{info: mcp.ImplementationInfo{Name: "vault-server-go", Version: "0.0.0"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Info returns the implementation identity.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Instructions returns usage instructions, or "" when none were configured.
func (s *Server) Instructions() string { return s.instructions }

// Tools returns the tool catalog, or nil when the server has none.
func (s *Server) Tools() *ToolsContainer { return s.tools }

// Resources returns the resource surface, or nil when the server has none.
func (s *Server) Resources() ResourcesCapability { return s.resources }

// Capabilities assembles the capability advertisement for initialize results.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if s.resources != nil {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true}
	}
	return caps
}
