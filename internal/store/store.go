// Package store is the capability interface over a host bookmark store.
// Each host (in-memory tree, Chromium profile file) implements Store, and
// the sync engine depends on nothing else.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTarget is returned for mutations the host refuses, such as
// creating under a bookmark or moving a folder into its own subtree.
var ErrInvalidTarget = errors.New("invalid bookmark target")

// ErrPermanentNode is returned when removing or moving a host root folder.
var ErrPermanentNode = errors.New("cannot modify a permanent folder")

// Node is one bookmark or folder. A node without a URL is a folder.
// Children is only populated by GetTree.
type Node struct {
	ID        string
	ParentID  string
	Title     string
	URL       string
	Index     int
	DateAdded time.Time
	Children  []*Node
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool {
	return n.URL == ""
}

// Walk calls fn for n and every descendant in depth-first store order.
// Returning false from fn skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}

	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// EventKind identifies a store mutation.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventRemoved
	EventMoved
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventMoved:
		return "moved"
	case EventChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Event describes one mutation of the store.
//
// Node is a snapshot taken after the mutation, except for EventRemoved
// where it is the removed subtree as it was before removal. ParentID is
// the node's parent after the mutation (the former parent for removals).
type Event struct {
	Kind        EventKind
	ID          string
	Node        *Node
	ParentID    string
	OldParentID string
	OldTitle    string
	OldURL      string
}

// CreateParams describes a node to create. An empty ParentID places the
// node in the host's default folder; an empty URL creates a folder.
type CreateParams struct {
	ParentID string
	Title    string
	URL      string
}

// Changes lists the fields to update. Nil fields are left untouched.
type Changes struct {
	Title *string
	URL   *string
}

// Query filters Search. Text matches title or URL case-insensitively;
// Title and URL must match exactly. Empty fields are ignored.
type Query struct {
	Text  string
	Title string
	URL   string
}

// Store is the host bookmark store.
//
// Mutations made through a Store deliver their events to subscribers
// synchronously, before the mutating call returns. Mutations made by
// other writers are delivered asynchronously when the host notices them.
// Errors wrap errors.ErrNotFound or errors.ErrStoreUnavailable.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*Node, error)
	Remove(ctx context.Context, id string) error
	Move(ctx context.Context, id, newParentID string) (*Node, error)
	Update(ctx context.Context, id string, c Changes) (*Node, error)
	Get(ctx context.Context, id string) (*Node, error)
	GetChildren(ctx context.Context, id string) ([]*Node, error)
	Search(ctx context.Context, q Query) ([]*Node, error)
	GetTree(ctx context.Context) (*Node, error)
	Subscribe(fn func(Event)) (cancel func())
}

// String returns a pointer to s, for building Changes.
func String(s string) *string {
	return &s
}
