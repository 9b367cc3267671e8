// Package folderpath maps between positions in the local bookmark tree
// and the flattened "SyncRoot > A > B" folder paths stored on the server.
package folderpath

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// Separator joins path segments.
const Separator = " > "

// maxDepth bounds ancestry walks so cyclic host data cannot hang a sync.
const maxDepth = 64

// Cache memoizes path lookups and fetched nodes for the duration of one
// sync run. It must not outlive the run: the tree changes between runs.
type Cache struct {
	mu    sync.Mutex
	paths map[string]string
	nodes map[string]*store.Node
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		paths: make(map[string]string),
		nodes: make(map[string]*store.Node),
	}
}

func (c *Cache) path(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.paths[key]

	return id, ok
}

func (c *Cache) setPath(key, id string) {
	c.mu.Lock()
	c.paths[key] = id
	c.mu.Unlock()
}

func (c *Cache) node(id string) (*store.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[id]

	return n, ok
}

func (c *Cache) setNode(n *store.Node) {
	c.mu.Lock()
	c.nodes[n.ID] = n
	c.mu.Unlock()
}

// Resolver translates folder paths for one sync root.
type Resolver struct {
	store     store.Store
	rootTitle string
	group     singleflight.Group

	mu     sync.RWMutex
	rootID string
}

// New returns a resolver for the root folder titled rootTitle.
func New(s store.Store, rootTitle string) *Resolver {
	return &Resolver{store: s, rootTitle: rootTitle}
}

// RootTitle returns the sync root folder title, which is also the first
// segment of every path.
func (r *Resolver) RootTitle() string {
	return r.rootTitle
}

// SetRootID pins the sync root to a specific folder. Until it is set,
// ancestry walks stop at the nearest folder carrying the root title.
func (r *Resolver) SetRootID(id string) {
	r.mu.Lock()
	r.rootID = id
	r.mu.Unlock()
}

// RootID returns the pinned sync root id, or "" if none is pinned.
func (r *Resolver) RootID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.rootID
}

// Split breaks a path into its non-blank segments.
func Split(path string) []string {
	var out []string

	for _, seg := range strings.Split(path, Separator) {
		if !Blank(seg) {
			out = append(out, seg)
		}
	}

	return out
}

// Join builds a path from the root title and the segments below it.
func Join(root string, segments ...string) string {
	return strings.Join(append([]string{root}, segments...), Separator)
}

// Blank reports whether a folder title contributes no path segment.
func Blank(title string) bool {
	return strings.TrimSpace(title) == ""
}

// Canonical rewrites path into the form PathOf reports for the folder
// Resolve would return: blank segments dropped and the root title first.
func (r *Resolver) Canonical(path string) string {
	segs := Split(path)
	if len(segs) > 0 && SameTitle(segs[0], r.rootTitle) {
		segs = segs[1:]
	}

	return Join(r.rootTitle, segs...)
}

// SameTitle compares folder titles after Unicode NFC normalization.
func SameTitle(a, b string) bool {
	return norm.NFC.String(a) == norm.NFC.String(b)
}

// Resolve returns the id of the folder at path below rootID, creating
// any missing folders. A leading root-title segment is dropped; a path
// without it is taken as relative to the root. When several folders at
// one level share a title the first in store order wins.
func (r *Resolver) Resolve(ctx context.Context, rootID, path string, cache *Cache) (string, error) {
	if cache == nil {
		cache = NewCache()
	}

	segs := Split(path)
	if len(segs) > 0 && SameTitle(segs[0], r.rootTitle) {
		segs = segs[1:]
	}

	cur := rootID
	key := rootID

	for _, seg := range segs {
		key += "\x00" + norm.NFC.String(seg)

		if id, ok := cache.path(key); ok {
			cur = id
			continue
		}

		id, err := r.findOrCreate(ctx, cur, seg)
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", path, err)
		}

		cache.setPath(key, id)
		cur = id
	}

	return cur, nil
}

// findOrCreate returns the child folder of parentID titled title,
// creating it if needed. Concurrent callers for the same pair share one
// lookup so twin folders are never created.
func (r *Resolver) findOrCreate(ctx context.Context, parentID, title string) (string, error) {
	key := parentID + "\x00" + norm.NFC.String(title)

	v, err, _ := r.group.Do(key, func() (any, error) {
		kids, err := r.store.GetChildren(ctx, parentID)
		if err != nil {
			return "", err
		}

		for _, k := range kids {
			if k.IsFolder() && SameTitle(k.Title, title) {
				return k.ID, nil
			}
		}

		n, err := r.store.Create(ctx, store.CreateParams{ParentID: parentID, Title: title})
		if err != nil {
			return "", err
		}

		return n.ID, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// PathOf returns the folder path of node id: its own title and those of
// its ancestors up to the sync root, which is replaced by the root title.
// Blank-titled ancestors are skipped, as Split drops them. Several
// folders can therefore share one path; compare paths, not ids, when
// deciding whether a bookmark already sits where a path points. The
// root itself maps to the bare title.
// A bookmark's folder path is PathOf(bookmark.ParentID).
func (r *Resolver) PathOf(ctx context.Context, id string, cache *Cache) (string, error) {
	if cache == nil {
		cache = NewCache()
	}

	var segments []string

	cur := id
	for depth := 0; cur != "" && depth < maxDepth; depth++ {
		n, err := r.node(ctx, cur, cache)
		if err != nil {
			return "", fmt.Errorf("path of %s: %w", id, err)
		}

		if r.isRoot(n) {
			break
		}

		if !Blank(n.Title) {
			segments = append(segments, n.Title)
		}

		cur = n.ParentID
	}

	slices.Reverse(segments)

	return Join(r.rootTitle, segments...), nil
}

// InScope reports whether id is the sync root or lies below it. A node
// that no longer exists is out of scope.
func (r *Resolver) InScope(ctx context.Context, id string, cache *Cache) (bool, error) {
	if cache == nil {
		cache = NewCache()
	}

	cur := id
	for depth := 0; cur != "" && depth < maxDepth; depth++ {
		n, err := r.node(ctx, cur, cache)
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}

		if err != nil {
			return false, err
		}

		if r.isRoot(n) {
			return true, nil
		}

		cur = n.ParentID
	}

	return false, nil
}

func (r *Resolver) isRoot(n *store.Node) bool {
	if !n.IsFolder() {
		return false
	}

	if id := r.RootID(); id != "" {
		return n.ID == id
	}

	return SameTitle(n.Title, r.rootTitle)
}

func (r *Resolver) node(ctx context.Context, id string, cache *Cache) (*store.Node, error) {
	if n, ok := cache.node(id); ok {
		return n, nil
	}

	n, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	cache.setNode(n)

	return n, nil
}
