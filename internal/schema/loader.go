package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileLoader reads schemas from a directory and caches the compiled result by
// file name. Safe for concurrent use.
type FileLoader struct {
	dir    string
	client *http.Client

	mu    sync.Mutex
	cache map[string]*Schema
}

type Option func(*FileLoader)

// WithHTTPClient sets the client used for http(s) $ref targets.
func WithHTTPClient(c *http.Client) Option {
	return func(l *FileLoader) { l.client = c }
}

func NewFileLoader(dir string, opts ...Option) *FileLoader {
	l := &FileLoader{
		dir:    dir,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]*Schema),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *FileLoader) Load(ctx context.Context, name string) (*Schema, error) {
	l.mu.Lock()
	s, ok := l.cache[name]
	l.mu.Unlock()
	if ok {
		return s, nil
	}

	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid schema name %q", name)
	}

	root, err := filepath.Abs(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}

	d := &derefer{ctx: ctx, loader: l, docs: make(map[string]any), active: make(map[string]bool)}
	doc, err := d.document(root)
	if err != nil {
		return nil, err
	}
	resolved, err := d.resolve(doc, root)
	if err != nil {
		return nil, fmt.Errorf("dereference %s: %w", name, err)
	}
	if m, ok := resolved.(map[string]any); ok {
		delete(m, "$id")
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	s, err = Compile(name, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = s
	l.mu.Unlock()

	slog.Debug("loaded schema", "name", name, "documents", len(d.docs))
	return s, nil
}

// Forget drops a cached schema so the next Load rereads it from disk.
func (l *FileLoader) Forget(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

func (l *FileLoader) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// derefer inlines $ref targets. Documents are keyed by absolute file path or
// by URL for remote ones.
type derefer struct {
	ctx    context.Context
	loader *FileLoader
	docs   map[string]any
	active map[string]bool
}

func (d *derefer) document(loc string) (any, error) {
	if doc, ok := d.docs[loc]; ok {
		return doc, nil
	}

	var data []byte
	var err error
	if isRemote(loc) {
		data, err = d.loader.fetch(d.ctx, loc)
	} else {
		data, err = os.ReadFile(loc)
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrNotFound, d.display(loc))
		}
	}
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", d.display(loc), err)
	}
	d.docs[loc] = doc
	return doc, nil
}

func (d *derefer) resolve(node any, base string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok {
			return d.resolveRef(n, ref, base)
		}
		out := make(map[string]any, len(n))
		for k, v := range n {
			r, err := d.resolve(v, base)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			r, err := d.resolve(v, base)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return n, nil
	}
}

func (d *derefer) resolveRef(node map[string]any, ref, base string) (any, error) {
	loc, fragment, err := d.locate(ref, base)
	if err != nil {
		return nil, err
	}

	key := loc + "#" + fragment
	if d.active[key] {
		return nil, fmt.Errorf("%w: %s", ErrCircularRef, ref)
	}

	doc, err := d.document(loc)
	if err != nil {
		return nil, err
	}
	target, err := pointer(doc, fragment)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	d.active[key] = true
	resolved, err := d.resolve(target, loc)
	delete(d.active, key)
	if err != nil {
		return nil, err
	}

	m, ok := resolved.(map[string]any)
	if !ok {
		return resolved, nil
	}
	delete(m, "$id")
	delete(m, "$schema")

	// keywords next to $ref apply alongside the referenced schema
	for k, v := range node {
		if k == "$ref" {
			continue
		}
		r, err := d.resolve(v, base)
		if err != nil {
			return nil, err
		}
		m[k] = r
	}
	return m, nil
}

// locate splits ref into the absolute location of its document and the JSON
// pointer fragment.
func (d *derefer) locate(ref, base string) (string, string, error) {
	docPart, fragment, _ := strings.Cut(ref, "#")
	fragment, err := url.PathUnescape(fragment)
	if err != nil {
		return "", "", fmt.Errorf("bad $ref fragment %q: %w", ref, err)
	}
	if fragment != "" && !strings.HasPrefix(fragment, "/") {
		return "", "", fmt.Errorf("unsupported $ref %q: only JSON pointer fragments are allowed", ref)
	}

	if docPart == "" {
		return base, fragment, nil
	}
	if isRemote(docPart) {
		return docPart, fragment, nil
	}
	if isRemote(base) {
		b, err := url.Parse(base)
		if err != nil {
			return "", "", fmt.Errorf("bad base %q: %w", base, err)
		}
		r, err := url.Parse(docPart)
		if err != nil {
			return "", "", fmt.Errorf("bad $ref %q: %w", ref, err)
		}
		return b.ResolveReference(r).String(), fragment, nil
	}

	loc := filepath.Join(filepath.Dir(base), filepath.FromSlash(docPart))
	dir, err := filepath.Abs(d.loader.dir)
	if err != nil {
		return "", "", fmt.Errorf("resolve schemas dir: %w", err)
	}
	if rel, err := filepath.Rel(dir, loc); err != nil || !filepath.IsLocal(rel) {
		return "", "", fmt.Errorf("$ref %q escapes the schemas directory", ref)
	}
	return loc, fragment, nil
}

func (d *derefer) display(loc string) string {
	if dir, err := filepath.Abs(d.loader.dir); err == nil {
		if rel, err := filepath.Rel(dir, loc); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	return loc
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// pointer evaluates an RFC 6901 JSON pointer against doc.
func pointer(doc any, p string) (any, error) {
	if p == "" {
		return doc, nil
	}
	cur := doc
	for _, tok := range strings.Split(p[1:], "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch n := cur.(type) {
		case map[string]any:
			v, ok := n[tok]
			if !ok {
				return nil, fmt.Errorf("pointer %s: no member %q", p, tok)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(n) {
				return nil, fmt.Errorf("pointer %s: bad index %q", p, tok)
			}
			cur = n[i]
		default:
			return nil, fmt.Errorf("pointer %s: cannot descend into %T", p, cur)
		}
	}
	return cur, nil
}
