package mcpservice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vaultmcp/vault-server-go/mcp"
)

type echoArgs struct {
	Text  string   `json:"text" jsonschema:"description=Text to echo back"`
	Times int      `json:"times,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool := NewTool("echo", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Text), nil
	}, WithToolDescription("Echo text"), WithWorkerEligible())

	if tool.Descriptor.Name != "echo" {
		t.Fatalf("unexpected name %q", tool.Descriptor.Name)
	}
	if !tool.WorkerEligible {
		t.Fatalf("expected worker-eligible tool")
	}
	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("expected object schema, got %q", schema.Type)
	}
	if _, ok := schema.Properties["text"]; !ok {
		t.Fatalf("expected text property, got %v", schema.Properties)
	}
	if p := schema.Properties["tags"]; p.Type != "array" || p.Items == nil {
		t.Fatalf("expected tags to be an array schema, got %+v", p)
	}
	found := false
	for _, r := range schema.Required {
		if r == "text" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected text to be required, got %v", schema.Required)
	}
}

func TestNewToolRejectsUnknownFields(t *testing.T) {
	tool := NewTool("echo", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Text), nil
	})

	res, err := tool.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected in-band error for unknown fields")
	}
}

func TestContainerDispatch(t *testing.T) {
	tc := NewToolsContainer(NewTool("echo", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Text), nil
	}))

	res, err := tc.CallTool(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = tc.CallTool(context.Background(), &mcp.CallToolRequestReceived{Name: "nope"})
	if err != nil {
		t.Fatalf("CallTool unknown: %v", err)
	}
	if !res.IsError {
		t.Fatalf("unknown tool must produce an in-band error")
	}
}
