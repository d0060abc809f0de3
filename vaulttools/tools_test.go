package vaulttools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vaultmcp/vault-server-go/mcp"
	"github.com/vaultmcp/vault-server-go/mcpservice"
	"github.com/vaultmcp/vault-server-go/vault"
)

func newFixtureContainer(t *testing.T) *mcpservice.ToolsContainer {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"hub.md":        "start at [[alpha]] or [[beta]]",
		"alpha.md":      "alpha links to [[beta]]",
		"beta.md":       "terminal note",
		"notes/deep.md": "mentions alpha in prose",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	store, err := vault.New(root)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return NewContainer(store)
}

func callTool(t *testing.T, tc *mcpservice.ToolsContainer, name string, args any) *mcp.CallToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	res, err := tc.CallTool(context.Background(), &mcp.CallToolRequestReceived{Name: name, Arguments: raw})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatalf("result has no content")
	}
	return res.Content[0].Text
}

func TestCatalogListsEveryTool(t *testing.T) {
	tc := newFixtureContainer(t)
	tools, err := tc.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	want := []string{"vault_links", "vault_list", "vault_read", "vault_search", "vault_write"}
	if len(tools) != len(want) {
		t.Fatalf("tools = %d, want %d", len(tools), len(want))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Fatalf("tool[%d] = %q, want %q", i, tools[i].Name, name)
		}
	}
}

func TestReadTool(t *testing.T) {
	tc := newFixtureContainer(t)

	res := callTool(t, tc, "vault_read", map[string]string{"path": "beta.md"})
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if got := resultText(t, res); got != "terminal note" {
		t.Fatalf("content = %q", got)
	}

	res = callTool(t, tc, "vault_read", map[string]string{"path": "../escape.md"})
	if !res.IsError {
		t.Fatalf("firewall rejection must surface as an in-band error result")
	}
}

func TestWriteThenReadTool(t *testing.T) {
	tc := newFixtureContainer(t)

	res := callTool(t, tc, "vault_write", map[string]string{"path": "new/note.md", "content": "fresh"})
	if res.IsError {
		t.Fatalf("write failed: %+v", res)
	}
	res = callTool(t, tc, "vault_read", map[string]string{"path": "new/note.md"})
	if got := resultText(t, res); got != "fresh" {
		t.Fatalf("content = %q", got)
	}
}

func TestListTool(t *testing.T) {
	tc := newFixtureContainer(t)
	res := callTool(t, tc, "vault_list", map[string]string{})
	text := resultText(t, res)
	for _, want := range []string{"alpha.md", "beta.md", "hub.md", "notes/"} {
		if !strings.Contains(text, want) {
			t.Fatalf("listing missing %q:\n%s", want, text)
		}
	}
}

func TestSearchTool(t *testing.T) {
	tc := newFixtureContainer(t)
	res := callTool(t, tc, "vault_search", map[string]string{"query": "ALPHA"})
	text := resultText(t, res)
	if !strings.Contains(text, "hub.md:1") || !strings.Contains(text, "notes/deep.md:1") {
		t.Fatalf("unexpected search output:\n%s", text)
	}
}

func TestLinksToolFollowsDepth(t *testing.T) {
	tc := newFixtureContainer(t)

	res := callTool(t, tc, "vault_links", map[string]any{"path": "hub.md", "depth": 2})
	text := resultText(t, res)
	if !strings.Contains(text, "hub.md -> alpha.md") {
		t.Fatalf("missing first hop:\n%s", text)
	}
	if !strings.Contains(text, "alpha.md -> beta.md") {
		t.Fatalf("missing second hop:\n%s", text)
	}

	res = callTool(t, tc, "vault_links", map[string]any{"path": "beta.md"})
	text = resultText(t, res)
	if !strings.Contains(text, "Backlinks:") || !strings.Contains(text, "alpha.md") {
		t.Fatalf("missing backlinks:\n%s", text)
	}
}
