// Package vault is the document store: a directory tree of interlinked
// markdown notes addressed by logical, root-relative paths. Every operation
// passes the path firewall first, so callers can hand through untrusted
// paths without escaping the vault root.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInvalidPath indicates the logical path failed the firewall.
	ErrInvalidPath = errors.New("invalid vault path")
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")
)

// wikiLinkPattern matches [[target]] and [[target|label]] links.
var wikiLinkPattern = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]*)?\]\]`)

// Entry is one listing row.
type Entry struct {
	Path  string
	IsDir bool
	Size  int64
}

// Match is one search hit.
type Match struct {
	Path string
	Line int
	Text string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMaxSearchResults caps how many hits Search returns.
func WithMaxSearchResults(n int) Option {
	return func(s *Store) { s.maxSearchResults = n }
}

// Store exposes one vault root. Safe for concurrent use.
type Store struct {
	root             string
	log              *slog.Logger
	maxSearchResults int

	// linkMu guards the lazily built backlink index. The watcher drops it
	// whenever anything under the root changes.
	linkMu    sync.Mutex
	linkIndex map[string][]string
}

// New opens the vault rooted at dir. The directory must already exist.
func New(dir string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", abs)
	}

	s := &Store{root: abs, maxSearchResults: 50}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Root returns the absolute vault root.
func (s *Store) Root() string { return s.root }

// resolve is the path firewall. It admits only clean, relative,
// root-confined paths: no absolute paths, no parent traversal, no null
// bytes, no escaping the root after cleaning.
func (s *Store) resolve(logical string) (string, error) {
	if logical == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(logical, 0) {
		return "", fmt.Errorf("%w: null byte in path", ErrInvalidPath)
	}
	if path.IsAbs(logical) || filepath.IsAbs(logical) {
		return "", fmt.Errorf("%w: absolute paths are not allowed", ErrInvalidPath)
	}
	cleaned := path.Clean(filepath.ToSlash(logical))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: parent traversal is not allowed", ErrInvalidPath)
	}
	abs := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes vault root", ErrInvalidPath)
	}
	return abs, nil
}

// Read returns a document's content.
func (s *Store) Read(ctx context.Context, logical string) (string, error) {
	abs, err := s.resolve(logical)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return "", fmt.Errorf("read %s: %w", logical, err)
	}
	return string(data), nil
}

// Write replaces a document's content, creating parent directories inside
// the root as needed.
func (s *Store) Write(ctx context.Context, logical string, content string) error {
	abs, err := s.resolve(logical)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", logical, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", logical, err)
	}
	s.invalidateLinkIndex()
	s.log.InfoContext(ctx, "vault.write.ok", slog.String("path", logical), slog.Int("bytes", len(content)))
	return nil
}

// List returns the entries directly under the given directory, sorted by
// path. Use "." for the root.
func (s *Store) List(ctx context.Context, logical string) ([]Entry, error) {
	abs, err := s.resolve(logical)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, logical)
		}
		return nil, fmt.Errorf("list %s: %w", logical, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		e := Entry{Path: path.Join(filepath.ToSlash(logical), de.Name()), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Documents walks the vault and returns every markdown document path,
// root-relative, sorted.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	var docs []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".md") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		docs = append(docs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk vault: %w", err)
	}
	sort.Strings(docs)
	return docs, nil
}

// Search scans every markdown document for a case-insensitive substring and
// returns up to the configured maximum of matching lines.
func (s *Store) Search(ctx context.Context, query string) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidPath)
	}
	docs, err := s.Documents(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var matches []Match
	for _, doc := range docs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		content, err := s.Read(ctx, doc)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, Match{Path: doc, Line: i + 1, Text: strings.TrimSpace(line)})
				if len(matches) >= s.maxSearchResults {
					return matches, nil
				}
			}
		}
	}
	return matches, nil
}

// Links returns the wiki-link targets named by one document, in document
// order, deduplicated.
func (s *Store) Links(ctx context.Context, logical string) ([]string, error) {
	content, err := s.Read(ctx, logical)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var targets []string
	for _, m := range wikiLinkPattern.FindAllStringSubmatch(content, -1) {
		target := normalizeLinkTarget(m[1])
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	return targets, nil
}

// Backlinks returns the documents that link to the given one, sorted. The
// underlying index is built lazily and dropped whenever the vault changes.
func (s *Store) Backlinks(ctx context.Context, logical string) ([]string, error) {
	if _, err := s.resolve(logical); err != nil {
		return nil, err
	}
	idx, err := s.linkIndexSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	sources := append([]string(nil), idx[normalizeLinkTarget(logical)]...)
	sort.Strings(sources)
	return sources, nil
}

func (s *Store) linkIndexSnapshot(ctx context.Context) (map[string][]string, error) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.linkIndex != nil {
		return s.linkIndex, nil
	}

	docs, err := s.Documents(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string][]string)
	for _, doc := range docs {
		targets, err := s.Links(ctx, doc)
		if err != nil {
			continue
		}
		for _, target := range targets {
			idx[target] = append(idx[target], doc)
		}
	}
	s.linkIndex = idx
	s.log.DebugContext(ctx, "vault.link_index.built", slog.Int("documents", len(docs)))
	return idx, nil
}

// invalidateLinkIndex drops the cached backlink index.
func (s *Store) invalidateLinkIndex() {
	s.linkMu.Lock()
	s.linkIndex = nil
	s.linkMu.Unlock()
}

// normalizeLinkTarget maps both link text and document paths onto one
// comparable key: lowercase note name without directory or extension.
func normalizeLinkTarget(target string) string {
	target = strings.TrimSpace(filepath.ToSlash(target))
	target = path.Base(target)
	target = strings.TrimSuffix(target, path.Ext(target))
	return strings.ToLower(target)
}
