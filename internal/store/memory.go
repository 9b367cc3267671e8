package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
)

// Default folder ids of a fresh Memory store. They match the ids a new
// Chromium profile assigns.
const (
	RootID        = "0"
	BookmarkBarID = "1"
	OtherID       = "2"
	MobileID      = "3"
)

type record struct {
	node     Node
	children []string
}

type subscriber struct {
	id int
	fn func(Event)
}

// Memory is an in-process bookmark tree. It is the reference Store and
// the working copy behind file-backed hosts.
type Memory struct {
	mu            sync.RWMutex
	nodes         map[string]*record
	rootID        string
	defaultParent string
	maxID         int
	now           func() time.Time

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

// NewMemory returns an empty tree with the usual browser root folders.
// Nodes created without a parent go to "Other bookmarks".
func NewMemory() *Memory {
	root := &Node{ID: RootID, Children: []*Node{
		{ID: BookmarkBarID, ParentID: RootID, Title: "Bookmarks bar"},
		{ID: OtherID, ParentID: RootID, Title: "Other bookmarks"},
		{ID: MobileID, ParentID: RootID, Title: "Mobile bookmarks"},
	}}

	return newMemoryFromTree(root, OtherID)
}

func newMemoryFromTree(root *Node, defaultParent string) *Memory {
	m := &Memory{
		defaultParent: defaultParent,
		now:           time.Now,
	}
	m.load(root)

	return m
}

// load replaces the whole tree. Callers hold mu or own m exclusively.
func (m *Memory) load(root *Node) {
	m.nodes = make(map[string]*record)
	m.rootID = root.ID
	m.maxID = 0

	var add func(n *Node, parentID string)
	add = func(n *Node, parentID string) {
		rec := &record{node: *n}
		rec.node.ParentID = parentID
		rec.node.Children = nil

		for _, c := range n.Children {
			rec.children = append(rec.children, c.ID)
		}

		m.nodes[n.ID] = rec

		if v, err := strconv.Atoi(n.ID); err == nil && v > m.maxID {
			m.maxID = v
		}

		for _, c := range n.Children {
			add(c, n.ID)
		}
	}
	add(root, "")
}

// Subscribe registers fn for every mutation event. Handlers run in
// registration order; cancel removes the handler.
func (m *Memory) Subscribe(fn func(Event)) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()

		m.subs = slices.DeleteFunc(m.subs, func(s subscriber) bool { return s.id == id })
	}
}

func (m *Memory) emit(events ...Event) {
	m.subMu.Lock()
	subs := slices.Clone(m.subs)
	m.subMu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// Create adds a bookmark or folder as the last child of its parent.
func (m *Memory) Create(ctx context.Context, p CreateParams) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()

	parentID := p.ParentID
	if parentID == "" {
		parentID = m.defaultParent
	}

	parent, ok := m.nodes[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("parent %s: %w", parentID, apperrors.ErrNotFound)
	}

	if !parent.node.IsFolder() || parentID == m.rootID {
		m.mu.Unlock()
		return nil, fmt.Errorf("create under %s: %w", parentID, ErrInvalidTarget)
	}

	m.maxID++
	id := strconv.Itoa(m.maxID)

	m.nodes[id] = &record{node: Node{
		ID:        id,
		ParentID:  parentID,
		Title:     p.Title,
		URL:       p.URL,
		DateAdded: m.now(),
	}}
	parent.children = append(parent.children, id)

	n := m.snapshotLocked(id)
	m.mu.Unlock()

	m.emit(Event{Kind: EventCreated, ID: id, Node: cloneNode(n), ParentID: parentID})

	return n, nil
}

// Remove deletes a node and its whole subtree.
func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()

	rec, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, apperrors.ErrNotFound)
	}

	if m.isPermanentLocked(id) {
		m.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrPermanentNode)
	}

	parentID := rec.node.ParentID
	removed := m.treeLocked(id)

	if parent, ok := m.nodes[parentID]; ok {
		parent.children = slices.DeleteFunc(parent.children, func(c string) bool { return c == id })
	}

	removed.Walk(func(n *Node) bool {
		delete(m.nodes, n.ID)
		return true
	})
	m.mu.Unlock()

	m.emit(Event{Kind: EventRemoved, ID: id, Node: removed, ParentID: parentID})

	return nil
}

// Move re-parents a node, appending it to the new parent's children.
// Moving a node to its current parent is a no-op.
func (m *Memory) Move(ctx context.Context, id, newParentID string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()

	rec, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("move %s: %w", id, apperrors.ErrNotFound)
	}

	target, ok := m.nodes[newParentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("move target %s: %w", newParentID, apperrors.ErrNotFound)
	}

	if m.isPermanentLocked(id) {
		m.mu.Unlock()
		return nil, fmt.Errorf("move %s: %w", id, ErrPermanentNode)
	}

	if !target.node.IsFolder() || newParentID == m.rootID || m.isAncestorLocked(id, newParentID) {
		m.mu.Unlock()
		return nil, fmt.Errorf("move %s into %s: %w", id, newParentID, ErrInvalidTarget)
	}

	oldParentID := rec.node.ParentID
	if oldParentID == newParentID {
		n := m.snapshotLocked(id)
		m.mu.Unlock()

		return n, nil
	}

	if old, ok := m.nodes[oldParentID]; ok {
		old.children = slices.DeleteFunc(old.children, func(c string) bool { return c == id })
	}

	target.children = append(target.children, id)
	rec.node.ParentID = newParentID

	n := m.snapshotLocked(id)
	m.mu.Unlock()

	m.emit(Event{Kind: EventMoved, ID: id, Node: cloneNode(n), ParentID: newParentID, OldParentID: oldParentID})

	return n, nil
}

// Update changes a node's title and/or URL. Folders cannot gain a URL.
func (m *Memory) Update(ctx context.Context, id string, c Changes) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()

	rec, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", id, apperrors.ErrNotFound)
	}

	if c.URL != nil && (rec.node.IsFolder() || *c.URL == "") {
		m.mu.Unlock()
		return nil, fmt.Errorf("update url of %s: %w", id, ErrInvalidTarget)
	}

	oldTitle, oldURL := rec.node.Title, rec.node.URL

	if c.Title != nil {
		rec.node.Title = *c.Title
	}

	if c.URL != nil {
		rec.node.URL = *c.URL
	}

	n := m.snapshotLocked(id)
	m.mu.Unlock()

	if n.Title == oldTitle && n.URL == oldURL {
		return n, nil
	}

	m.emit(Event{
		Kind:     EventChanged,
		ID:       id,
		Node:     cloneNode(n),
		ParentID: n.ParentID,
		OldTitle: oldTitle,
		OldURL:   oldURL,
	})

	return n, nil
}

// Get returns a single node without children.
func (m *Memory) Get(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.nodes[id]; !ok {
		return nil, fmt.Errorf("get %s: %w", id, apperrors.ErrNotFound)
	}

	return m.snapshotLocked(id), nil
}

// GetChildren returns the direct children of a folder in order.
func (m *Memory) GetChildren(ctx context.Context, id string) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("children of %s: %w", id, apperrors.ErrNotFound)
	}

	out := make([]*Node, 0, len(rec.children))
	for _, c := range rec.children {
		out = append(out, m.snapshotLocked(c))
	}

	return out, nil
}

// Search returns matching nodes in depth-first store order. The host
// root folders never match.
func (m *Memory) Search(ctx context.Context, q Query) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.ToLower(q.Text)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Node

	m.walkLocked(m.rootID, func(id string) {
		if m.isPermanentLocked(id) {
			return
		}

		n := m.nodes[id].node
		if q.URL != "" && n.URL != q.URL {
			return
		}

		if q.Title != "" && n.Title != q.Title {
			return
		}

		if text != "" && !strings.Contains(strings.ToLower(n.Title), text) && !strings.Contains(strings.ToLower(n.URL), text) {
			return
		}

		out = append(out, m.snapshotLocked(id))
	})

	return out, nil
}

// GetTree returns a deep copy of the whole tree from the root.
func (m *Memory) GetTree(ctx context.Context) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.treeLocked(m.rootID), nil
}

func (m *Memory) walkLocked(id string, fn func(string)) {
	fn(id)

	for _, c := range m.nodes[id].children {
		m.walkLocked(c, fn)
	}
}

func (m *Memory) snapshotLocked(id string) *Node {
	rec := m.nodes[id]
	n := rec.node

	if parent, ok := m.nodes[n.ParentID]; ok {
		n.Index = slices.Index(parent.children, id)
	}

	return &n
}

func (m *Memory) treeLocked(id string) *Node {
	n := m.snapshotLocked(id)
	for _, c := range m.nodes[id].children {
		n.Children = append(n.Children, m.treeLocked(c))
	}

	return n
}

func (m *Memory) isPermanentLocked(id string) bool {
	if id == m.rootID {
		return true
	}

	rec, ok := m.nodes[id]

	return ok && rec.node.ParentID == m.rootID
}

// isAncestorLocked reports whether anc is desc or one of its ancestors.
func (m *Memory) isAncestorLocked(anc, desc string) bool {
	for cur := desc; cur != ""; {
		if cur == anc {
			return true
		}

		rec, ok := m.nodes[cur]
		if !ok {
			return false
		}

		cur = rec.node.ParentID
	}

	return false
}

// replace swaps in a tree read from an external writer and returns the
// events that turn the old tree into the new one. Callers emit them.
func (m *Memory) replace(root *Node) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.nodes
	oldTree := m.treeLocked(m.rootID)

	m.load(root)

	var created, moved, changed, removed []Event

	m.walkLocked(m.rootID, func(id string) {
		n := m.snapshotLocked(id)

		prev, existed := old[id]
		if !existed {
			created = append(created, Event{Kind: EventCreated, ID: id, Node: n, ParentID: n.ParentID})
			return
		}

		if prev.node.ParentID != n.ParentID {
			moved = append(moved, Event{Kind: EventMoved, ID: id, Node: cloneNode(n), ParentID: n.ParentID, OldParentID: prev.node.ParentID})
		}

		if prev.node.Title != n.Title || prev.node.URL != n.URL {
			changed = append(changed, Event{
				Kind:     EventChanged,
				ID:       id,
				Node:     cloneNode(n),
				ParentID: n.ParentID,
				OldTitle: prev.node.Title,
				OldURL:   prev.node.URL,
			})
		}
	})

	// Only the top of a removed subtree is reported, as browsers do.
	oldTree.Walk(func(n *Node) bool {
		if _, still := m.nodes[n.ID]; still {
			return true
		}

		removed = append(removed, Event{Kind: EventRemoved, ID: n.ID, Node: n, ParentID: n.ParentID})

		return false
	})

	if m.maxID < maxNumericID(old) {
		m.maxID = maxNumericID(old)
	}

	return slices.Concat(created, moved, changed, removed)
}

func maxNumericID(nodes map[string]*record) int {
	maxID := 0

	for id := range nodes {
		if v, err := strconv.Atoi(id); err == nil && v > maxID {
			maxID = v
		}
	}

	return maxID
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Children = nil

	return &c
}
