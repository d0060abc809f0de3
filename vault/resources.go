package vault

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/vaultmcp/vault-server-go/mcp"
)

// URIScheme prefixes every resource URI served from a vault.
const URIScheme = "vault://"

// Resources adapts a Store to the read-only resource surface: every
// markdown document is listed as a vault:// URI and readable by it.
type Resources struct {
	store *Store
}

// NewResources wraps a store.
func NewResources(store *Store) *Resources {
	return &Resources{store: store}
}

// ListResources enumerates every document as a resource.
func (r *Resources) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	docs, err := r.store.Documents(ctx)
	if err != nil {
		return nil, err
	}
	resources := make([]mcp.Resource, 0, len(docs))
	for _, doc := range docs {
		resources = append(resources, mcp.Resource{
			URI:      URIScheme + doc,
			Name:     strings.TrimSuffix(path.Base(doc), path.Ext(doc)),
			MimeType: "text/markdown",
		})
	}
	return resources, nil
}

// ReadResource returns one document's content by its vault:// URI.
func (r *Resources) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	logical, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported URI scheme in %q", ErrInvalidPath, uri)
	}
	content, err := r.store.Read(ctx, logical)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{
			URI:      uri,
			MimeType: "text/markdown",
			Text:     content,
		}},
	}, nil
}
