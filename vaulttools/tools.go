// Package vaulttools builds the tool catalog an agent uses to work with a
// vault: reading, writing, listing, searching and following links between
// documents. Result formatting lives in pure functions so the tool handlers
// stay thin.
package vaulttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaultmcp/vault-server-go/mcp"
	"github.com/vaultmcp/vault-server-go/mcpservice"
	"github.com/vaultmcp/vault-server-go/vault"
)

type readArgs struct {
	Path string `json:"path" jsonschema:"description=Root-relative path of the document to read"`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=Root-relative path of the document to write"`
	Content string `json:"content" jsonschema:"description=Full replacement content for the document"`
}

type listArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list; the vault root when omitted"`
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Case-insensitive text to find across all documents"`
}

type linksArgs struct {
	Path  string `json:"path" jsonschema:"description=Document whose link neighborhood to explore"`
	Depth int    `json:"depth,omitempty" jsonschema:"description=How many hops of outgoing links to follow (default 1; capped at 3)"`
}

// NewContainer registers every vault tool against the given store. Search
// and link traversal scan the whole vault, so they run on the worker pool;
// single-document operations stay on the request path.
func NewContainer(store *vault.Store) *mcpservice.ToolsContainer {
	return mcpservice.NewToolsContainer(
		mcpservice.NewTool("vault_read", func(ctx context.Context, a readArgs) (*mcp.CallToolResult, error) {
			content, err := store.Read(ctx, a.Path)
			if err != nil {
				return mcpservice.Errorf("read failed: %s", err.Error()), nil
			}
			return mcpservice.TextResult(content), nil
		}, mcpservice.WithToolDescription("Read one document from the vault by its root-relative path.")),

		mcpservice.NewTool("vault_write", func(ctx context.Context, a writeArgs) (*mcp.CallToolResult, error) {
			if err := store.Write(ctx, a.Path, a.Content); err != nil {
				return mcpservice.Errorf("write failed: %s", err.Error()), nil
			}
			return mcpservice.TextResult(fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path)), nil
		}, mcpservice.WithToolDescription("Replace one document's content, creating it and its folders if needed.")),

		mcpservice.NewTool("vault_list", func(ctx context.Context, a listArgs) (*mcp.CallToolResult, error) {
			dir := a.Path
			if dir == "" {
				dir = "."
			}
			entries, err := store.List(ctx, dir)
			if err != nil {
				return mcpservice.Errorf("list failed: %s", err.Error()), nil
			}
			return mcpservice.TextResult(formatEntries(dir, entries)), nil
		}, mcpservice.WithToolDescription("List the documents and folders directly under a vault directory.")),

		mcpservice.NewTool("vault_search", func(ctx context.Context, a searchArgs) (*mcp.CallToolResult, error) {
			matches, err := store.Search(ctx, a.Query)
			if err != nil {
				return mcpservice.Errorf("search failed: %s", err.Error()), nil
			}
			return mcpservice.TextResult(formatMatches(a.Query, matches)), nil
		},
			mcpservice.WithToolDescription("Find documents containing a piece of text, case-insensitively."),
			mcpservice.WithWorkerEligible()),

		mcpservice.NewTool("vault_links", func(ctx context.Context, a linksArgs) (*mcp.CallToolResult, error) {
			report, err := linkNeighborhood(ctx, store, a.Path, a.Depth)
			if err != nil {
				return mcpservice.Errorf("link traversal failed: %s", err.Error()), nil
			}
			return mcpservice.TextResult(report), nil
		},
			mcpservice.WithToolDescription("Show a document's outgoing links (to a bounded depth) and its backlinks."),
			mcpservice.WithWorkerEligible()),
	)
}

const maxLinkDepth = 3

// linkNeighborhood walks outgoing wiki links breadth-first to a bounded
// depth and collects backlinks for the starting document.
func linkNeighborhood(ctx context.Context, store *vault.Store, start string, depth int) (string, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > maxLinkDepth {
		depth = maxLinkDepth
	}

	docs, err := store.Documents(ctx)
	if err != nil {
		return "", err
	}
	// Wiki links name notes, not paths. Resolve each note name back to the
	// document that carries it.
	byName := make(map[string]string, len(docs))
	for _, doc := range docs {
		name := strings.ToLower(strings.TrimSuffix(doc[strings.LastIndex(doc, "/")+1:], ".md"))
		byName[name] = doc
	}

	type hop struct {
		doc   string
		level int
	}
	visited := map[string]bool{start: true}
	frontier := []hop{{doc: start, level: 0}}
	var b strings.Builder
	fmt.Fprintf(&b, "Outgoing links from %s (depth %d):\n", start, depth)
	found := 0

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.level >= depth {
			continue
		}
		targets, err := store.Links(ctx, cur.doc)
		if err != nil {
			if cur.doc == start {
				return "", err
			}
			continue
		}
		for _, target := range targets {
			doc, ok := byName[target]
			display := target
			if ok {
				display = doc
			}
			fmt.Fprintf(&b, "%s%s -> %s\n", strings.Repeat("  ", cur.level), cur.doc, display)
			found++
			if ok && !visited[doc] {
				visited[doc] = true
				frontier = append(frontier, hop{doc: doc, level: cur.level + 1})
			}
		}
	}
	if found == 0 {
		b.WriteString("(none)\n")
	}

	back, err := store.Backlinks(ctx, start)
	if err != nil {
		return "", err
	}
	b.WriteString("\nBacklinks:\n")
	if len(back) == 0 {
		b.WriteString("(none)\n")
	}
	for _, src := range back {
		fmt.Fprintf(&b, "%s\n", src)
	}
	return b.String(), nil
}

func formatEntries(dir string, entries []vault.Entry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("%s is empty", dir)
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Path)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Path, e.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatMatches(query string, matches []vault.Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("no matches for %q", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matches for %q:\n", len(matches), query)
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
