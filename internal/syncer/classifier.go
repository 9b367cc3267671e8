package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/bookmark-sync/internal/folderpath"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
)

// OpKind is the kind of outbound operation.
type OpKind int

const (
	OpUpsert OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is an outbound change keyed by URL.
type Op struct {
	Kind   OpKind
	URL    string
	Title  string
	Folder string
}

// Classifier turns local store events into outbound operations.
type Classifier struct {
	store   store.Store
	paths   *folderpath.Resolver
	applied *AppliedSet
	logger  *slog.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(s store.Store, paths *folderpath.Resolver, applied *AppliedSet, logger *slog.Logger) *Classifier {
	return &Classifier{
		store:   s,
		paths:   paths,
		applied: applied,
		logger:  logger,
	}
}

// Suppressed reports whether ev was caused by the engine's own write.
// It must be called from the store callback, while the write that
// produced the event still holds its mark.
func (c *Classifier) Suppressed(ev store.Event) bool {
	if ev.Node == nil {
		return false
	}

	return c.applied.Has(ev.Node.URL) || c.applied.Has(ev.OldURL)
}

// Classify returns the operations that bring the server in line with ev.
// Events outside the sync root produce nothing.
func (c *Classifier) Classify(ctx context.Context, ev store.Event, cache *folderpath.Cache) ([]Op, error) {
	if ev.Node == nil {
		return nil, nil
	}

	if cache == nil {
		cache = folderpath.NewCache()
	}

	if ev.Node.IsFolder() {
		return c.classifyFolder(ctx, ev, cache)
	}

	switch ev.Kind {
	case store.EventCreated:
		return c.upsertIfInScope(ctx, ev.Node, ev.ParentID, cache)

	case store.EventChanged:
		ops, err := c.upsertIfInScope(ctx, ev.Node, ev.ParentID, cache)
		if err != nil || len(ops) == 0 {
			return ops, err
		}

		if ev.OldURL != "" && ev.OldURL != ev.Node.URL {
			ops = append([]Op{{Kind: OpDelete, URL: ev.OldURL}}, ops...)
		}

		return ops, nil

	case store.EventMoved:
		ops, err := c.upsertIfInScope(ctx, ev.Node, ev.ParentID, cache)
		if err != nil || len(ops) > 0 {
			return ops, err
		}

		was, err := c.paths.InScope(ctx, ev.OldParentID, cache)
		if err != nil {
			return nil, fmt.Errorf("checking scope of %s: %w", ev.OldParentID, err)
		}

		if was {
			return []Op{{Kind: OpDelete, URL: ev.Node.URL}}, nil
		}

		return nil, nil

	case store.EventRemoved:
		in, err := c.paths.InScope(ctx, ev.ParentID, cache)
		if err != nil {
			return nil, fmt.Errorf("checking scope of %s: %w", ev.ParentID, err)
		}

		if !in {
			return nil, nil
		}

		return []Op{{Kind: OpDelete, URL: ev.Node.URL}}, nil
	}

	return nil, nil
}

func (c *Classifier) upsertIfInScope(ctx context.Context, n *store.Node, parentID string, cache *folderpath.Cache) ([]Op, error) {
	in, err := c.paths.InScope(ctx, parentID, cache)
	if err != nil {
		return nil, fmt.Errorf("checking scope of %s: %w", parentID, err)
	}

	if !in {
		c.logger.Debug("event outside sync root", slog.String("id", n.ID))
		return nil, nil
	}

	folder, err := c.paths.PathOf(ctx, parentID, cache)
	if err != nil {
		return nil, err
	}

	return []Op{{Kind: OpUpsert, URL: n.URL, Title: n.Title, Folder: folder}}, nil
}

// classifyFolder handles folder renames and moves by re-reporting every
// bookmark below the folder. Created and removed folders carry no
// bookmarks the server tracks.
func (c *Classifier) classifyFolder(ctx context.Context, ev store.Event, cache *folderpath.Cache) ([]Op, error) {
	switch ev.Kind {
	case store.EventChanged:
		if ev.OldTitle == ev.Node.Title {
			return nil, nil
		}

		in, err := c.paths.InScope(ctx, ev.ID, cache)
		if err != nil || !in {
			return nil, err
		}

		return c.descendantOps(ctx, ev.ID, OpUpsert, cache)

	case store.EventMoved:
		in, err := c.paths.InScope(ctx, ev.ID, cache)
		if err != nil {
			return nil, err
		}

		if in {
			return c.descendantOps(ctx, ev.ID, OpUpsert, cache)
		}

		was, err := c.paths.InScope(ctx, ev.OldParentID, cache)
		if err != nil || !was {
			return nil, err
		}

		return c.descendantOps(ctx, ev.ID, OpDelete, cache)
	}

	return nil, nil
}

// descendantOps walks the live subtree of folderID depth first.
func (c *Classifier) descendantOps(ctx context.Context, folderID string, kind OpKind, cache *folderpath.Cache) ([]Op, error) {
	kids, err := c.store.GetChildren(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", folderID, err)
	}

	var (
		ops    []Op
		folder string
	)

	for _, k := range kids {
		if k.IsFolder() {
			sub, err := c.descendantOps(ctx, k.ID, kind, cache)
			if err != nil {
				return nil, err
			}

			ops = append(ops, sub...)

			continue
		}

		if kind == OpDelete {
			ops = append(ops, Op{Kind: OpDelete, URL: k.URL})
			continue
		}

		if folder == "" {
			if folder, err = c.paths.PathOf(ctx, folderID, cache); err != nil {
				return nil, err
			}
		}

		ops = append(ops, Op{Kind: OpUpsert, URL: k.URL, Title: k.Title, Folder: folder})
	}

	return ops, nil
}
