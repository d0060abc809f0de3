package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPathFirewall(t *testing.T) {
	s := newTestStore(t, map[string]string{"notes/a.md": "hello"})
	ctx := context.Background()

	bad := []string{
		"",
		"/etc/passwd",
		"../outside.md",
		"notes/../../outside.md",
		"notes/a.md\x00",
		"..",
	}
	for _, p := range bad {
		if _, err := s.Read(ctx, p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Read(%q) = %v, want ErrInvalidPath", p, err)
		}
		if err := s.Write(ctx, p, "x"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Write(%q) = %v, want ErrInvalidPath", p, err)
		}
	}

	// Interior ".." segments that stay inside the root are fine after cleaning.
	if _, err := s.Read(ctx, "notes/../notes/a.md"); err != nil {
		t.Errorf("cleaned interior path rejected: %v", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.Read(ctx, "missing.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Write(ctx, "deep/nested/note.md", "content"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.Read(ctx, "deep/nested/note.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "content" {
		t.Fatalf("read back %q", got)
	}
}

func TestListSkipsHiddenEntries(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"a.md":          "x",
		".obsidian/cfg": "x",
		"sub/b.md":      "x",
	})
	entries, err := s.List(context.Background(), ".")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Path != "a.md" || entries[1].Path != "sub" || !entries[1].IsDir {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestSearchIsCaseInsensitiveAndCapped(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"a.md":  "Alpha line\nnothing\nALPHA again",
		"b.md":  "more alpha here",
		"c.txt": "alpha in a non-document",
	})
	matches, err := s.Search(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Path != "a.md" || matches[0].Line != 1 {
		t.Fatalf("first match = %+v", matches[0])
	}

	capped, err := New(s.Root(), WithMaxSearchResults(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	matches, err = capped.Search(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("cap ignored, matches = %+v", matches)
	}
}

func TestLinksAndBacklinks(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"hub.md":        "see [[alpha]] and [[notes/beta|the beta note]] and [[alpha]] again",
		"notes/beta.md": "back to [[Alpha]]",
		"alpha.md":      "no links here",
	})
	ctx := context.Background()

	links, err := s.Links(ctx, "hub.md")
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 2 || links[0] != "alpha" || links[1] != "beta" {
		t.Fatalf("links = %+v", links)
	}

	back, err := s.Backlinks(ctx, "alpha.md")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(back) != 2 || back[0] != "hub.md" || back[1] != "notes/beta.md" {
		t.Fatalf("backlinks = %+v", back)
	}
}

func TestWriteInvalidatesBacklinkIndex(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"a.md": "nothing yet",
		"b.md": "target note",
	})
	ctx := context.Background()

	back, err := s.Backlinks(ctx, "b.md")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(back) != 0 {
		t.Fatalf("unexpected backlinks %+v", back)
	}

	if err := s.Write(ctx, "a.md", "now links [[b]]"); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err = s.Backlinks(ctx, "b.md")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(back) != 1 || back[0] != "a.md" {
		t.Fatalf("backlinks after write = %+v", back)
	}
}

func TestResourcesSurface(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"a.md":     "alpha content",
		"sub/b.md": "beta content",
	})
	r := NewResources(s)
	ctx := context.Background()

	list, err := r.ListResources(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].URI != "vault://a.md" || list[1].URI != "vault://sub/b.md" {
		t.Fatalf("resources = %+v", list)
	}

	res, err := r.ReadResource(ctx, "vault://sub/b.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Contents) != 1 || res.Contents[0].Text != "beta content" {
		t.Fatalf("contents = %+v", res.Contents)
	}

	if _, err := r.ReadResource(ctx, "file:///etc/passwd"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for foreign scheme, got %v", err)
	}
}
