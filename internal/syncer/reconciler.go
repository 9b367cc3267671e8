// Package syncer keeps the local bookmark store and the server in step.
//
// The Classifier turns local store events into outbound operations, the
// Reconciler merges server state into the local sync root and pushes
// outbound operations, and the Controller runs both on a single event
// loop fed by the store, the push channel and a periodic timer.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/folderpath"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
)

// Remote change actions carried by push notifications.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// RemoteAPI is the part of the server API the engine uses.
// *api.Client satisfies it.
type RemoteAPI interface {
	ListBookmarks(ctx context.Context) ([]api.Record, error)
	SearchByURL(ctx context.Context, url string) (*api.Record, error)
	CreateBookmark(ctx context.Context, in api.BookmarkInput) (*api.Record, error)
	UpdateBookmark(ctx context.Context, id api.RecordID, in api.BookmarkInput) (*api.Record, error)
	DeleteBookmark(ctx context.Context, id api.RecordID) error
	Verify(ctx context.Context) (*api.User, error)
}

// StatusStore persists the sync root id and the last full sync result.
// *state.State satisfies it.
type StatusStore interface {
	SetSyncStatus(st state.SyncStatus) error
	RootFolderID() string
	SetRootFolderID(id string) error
}

// Stats summarises one full sync.
type Stats struct {
	Total    int           `json:"total"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Reconciler merges server records into the local sync root and pushes
// local changes to the server. Mutating calls are not safe for
// concurrent use; the Controller serializes them. RootTree and Bookmarks
// only read and may run alongside.
type Reconciler struct {
	store   store.Store
	remote  RemoteAPI
	paths   *folderpath.Resolver
	applied *AppliedSet
	status  StatusStore
	tags    []string
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. status may be nil. tags are
// attached to bookmarks created on the server.
func NewReconciler(s store.Store, remote RemoteAPI, paths *folderpath.Resolver, applied *AppliedSet, status StatusStore, tags []string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   s,
		remote:  remote,
		paths:   paths,
		applied: applied,
		status:  status,
		tags:    tags,
		logger:  logger,
	}
}

// FullSync merges every server record into the sync root. Records that
// exist locally with the same title are left alone; nothing is deleted
// locally because a record is missing on the server.
func (r *Reconciler) FullSync(ctx context.Context) (Stats, error) {
	start := time.Now()

	stats, err := r.fullSync(ctx)
	stats.Duration = time.Since(start)

	r.saveStatus(stats, err)

	if err != nil {
		return stats, err
	}

	r.logger.Info("full sync complete",
		slog.Int("total", stats.Total),
		slog.Int("created", stats.Created),
		slog.Int("updated", stats.Updated),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Duration("duration", stats.Duration),
	)

	return stats, nil
}

func (r *Reconciler) fullSync(ctx context.Context) (Stats, error) {
	var stats Stats

	records, err := r.remote.ListBookmarks(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing server bookmarks: %w", err)
	}

	stats.Total = len(records)

	if len(records) == 0 {
		r.logger.Debug("server has no bookmarks, nothing to merge")
		return stats, nil
	}

	rootID, err := r.ensureRoot(ctx)
	if err != nil {
		return stats, err
	}

	index, err := r.indexByURL(ctx, rootID)
	if err != nil {
		return stats, err
	}

	cache := folderpath.NewCache()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if rec.URL == "" {
			stats.Skipped++
			continue
		}

		outcome, err := r.mergeRecord(ctx, rootID, rec, index, cache)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stats, err
			}

			stats.Failed++

			r.logger.Warn("merging record failed",
				slog.String("url", rec.URL),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch outcome {
		case mergeCreated:
			stats.Created++
		case mergeUpdated:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	return stats, nil
}

type mergeOutcome int

const (
	mergeSkipped mergeOutcome = iota
	mergeCreated
	mergeUpdated
)

func (r *Reconciler) mergeRecord(ctx context.Context, rootID string, rec api.Record, index map[string][]*store.Node, cache *folderpath.Cache) (mergeOutcome, error) {
	release := r.applied.Mark(rec.URL)
	defer release()

	if matches := index[rec.URL]; len(matches) > 0 {
		n := matches[0]
		if n.Title == rec.Title {
			return mergeSkipped, nil
		}

		updated, err := r.store.Update(ctx, n.ID, store.Changes{Title: store.String(rec.Title)})
		if err != nil {
			return mergeSkipped, fmt.Errorf("updating title: %w", err)
		}

		index[rec.URL][0] = updated

		return mergeUpdated, nil
	}

	folderID, err := r.paths.Resolve(ctx, rootID, rec.Folder, cache)
	if err != nil {
		return mergeSkipped, err
	}

	n, err := r.store.Create(ctx, store.CreateParams{ParentID: folderID, Title: rec.Title, URL: rec.URL})
	if err != nil {
		return mergeSkipped, fmt.Errorf("creating bookmark: %w", err)
	}

	index[rec.URL] = append(index[rec.URL], n)

	return mergeCreated, nil
}

// ApplyRemoteChange applies one push notification to the sync root. The
// store is searched afresh for the record's URL so that a notification
// racing a full sync cannot create a duplicate.
func (r *Reconciler) ApplyRemoteChange(ctx context.Context, action string, rec api.Record) error {
	if rec.URL == "" {
		r.logger.Warn("remote change without url", slog.String("action", action), slog.String("id", string(rec.ID)))
		return nil
	}

	var err error

	switch action {
	case ActionCreated, ActionUpdated:
		err = r.applyUpsert(ctx, rec)
	case ActionDeleted:
		err = r.applyDelete(ctx, rec)
	default:
		r.logger.Warn("unknown remote action", slog.String("action", action), slog.String("url", rec.URL))
		return nil
	}

	if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrStoreUnavailable) {
		r.logger.Debug("remote change already converged",
			slog.String("action", action),
			slog.String("url", rec.URL),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if err != nil {
		return fmt.Errorf("applying remote %s of %s: %w", action, rec.URL, err)
	}

	return nil
}

func (r *Reconciler) applyUpsert(ctx context.Context, rec api.Record) error {
	rootID, err := r.ensureRoot(ctx)
	if err != nil {
		return err
	}

	release := r.applied.Mark(rec.URL)
	defer release()

	cache := folderpath.NewCache()

	matches, err := r.findInRoot(ctx, rec.URL, cache)
	if err != nil {
		return err
	}

	if len(matches) == 0 {
		folderID, err := r.paths.Resolve(ctx, rootID, rec.Folder, cache)
		if err != nil {
			return err
		}

		n, err := r.store.Create(ctx, store.CreateParams{ParentID: folderID, Title: rec.Title, URL: rec.URL})
		if err != nil {
			return err
		}

		r.logger.Info("applied remote bookmark", slog.String("url", rec.URL), slog.String("id", n.ID))

		return nil
	}

	n := matches[0]

	if n.Title != rec.Title {
		if _, err := r.store.Update(ctx, n.ID, store.Changes{Title: store.String(rec.Title)}); err != nil {
			return err
		}
	}

	// A bookmark whose folder already encodes to rec.Folder stays put,
	// even when Resolve would pick a different folder for that path.
	current, err := r.paths.PathOf(ctx, n.ParentID, cache)
	if err != nil {
		return err
	}

	if folderpath.SameTitle(current, r.paths.Canonical(rec.Folder)) {
		return nil
	}

	folderID, err := r.paths.Resolve(ctx, rootID, rec.Folder, cache)
	if err != nil {
		return err
	}

	if n.ParentID != folderID {
		if _, err := r.store.Move(ctx, n.ID, folderID); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reconciler) applyDelete(ctx context.Context, rec api.Record) error {
	if _, err := r.ensureRoot(ctx); err != nil {
		return err
	}

	release := r.applied.Mark(rec.URL)
	defer release()

	matches, err := r.findInRoot(ctx, rec.URL, folderpath.NewCache())
	if err != nil {
		return err
	}

	for _, n := range matches {
		if err := r.store.Remove(ctx, n.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		r.logger.Info("removed bookmark deleted remotely", slog.String("url", rec.URL), slog.String("id", n.ID))
	}

	return nil
}

// Push sends one outbound operation to the server. Failures are
// returned without retry or rollback.
func (r *Reconciler) Push(ctx context.Context, op Op) error {
	existing, err := r.remote.SearchByURL(ctx, op.URL)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", op.URL, err)
	}

	switch op.Kind {
	case OpUpsert:
		if existing == nil {
			if _, err := r.remote.CreateBookmark(ctx, api.BookmarkInput{
				Title:  op.Title,
				URL:    op.URL,
				Folder: op.Folder,
				Tags:   r.tags,
			}); err != nil {
				return fmt.Errorf("creating %s: %w", op.URL, err)
			}

			r.logger.Info("pushed new bookmark", slog.String("url", op.URL), slog.String("folder", op.Folder))

			return nil
		}

		if existing.Title == op.Title && existing.Folder == op.Folder {
			return nil
		}

		if _, err := r.remote.UpdateBookmark(ctx, existing.ID, api.BookmarkInput{
			Title:       op.Title,
			URL:         op.URL,
			Folder:      op.Folder,
			Tags:        existing.Tags,
			Description: existing.Description,
		}); err != nil {
			return fmt.Errorf("updating %s: %w", op.URL, err)
		}

		r.logger.Info("pushed bookmark update", slog.String("url", op.URL), slog.String("folder", op.Folder))

	case OpDelete:
		if existing == nil {
			return nil
		}

		if err := r.remote.DeleteBookmark(ctx, existing.ID); err != nil {
			return fmt.Errorf("deleting %s: %w", op.URL, err)
		}

		r.logger.Info("pushed bookmark delete", slog.String("url", op.URL))

	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}

	return nil
}

// ensureRoot returns the sync root id, creating the folder in the host's
// default location when no folder carries the root title. The id is
// pinned on the resolver and persisted.
func (r *Reconciler) ensureRoot(ctx context.Context) (string, error) {
	id, err := r.findRoot(ctx)
	if err != nil || id != "" {
		if id != "" && id != r.paths.RootID() {
			r.pinRoot(id)
		}

		return id, err
	}

	n, err := r.store.Create(ctx, store.CreateParams{Title: r.paths.RootTitle()})
	if err != nil {
		return "", fmt.Errorf("creating sync root: %w", err)
	}

	r.logger.Info("created sync root folder", slog.String("id", n.ID), slog.String("title", n.Title))
	r.pinRoot(n.ID)

	return n.ID, nil
}

// findRoot locates the sync root without creating it: the pinned id,
// then the persisted id, then the first folder with the root title in
// store order. It returns "" when there is none.
func (r *Reconciler) findRoot(ctx context.Context) (string, error) {
	if id := r.paths.RootID(); id != "" && r.isRootFolder(ctx, id) {
		return id, nil
	}

	if r.status != nil {
		if id := r.status.RootFolderID(); id != "" && r.isRootFolder(ctx, id) {
			return id, nil
		}
	}

	found, err := r.store.Search(ctx, store.Query{Title: r.paths.RootTitle()})
	if err != nil {
		return "", fmt.Errorf("searching for sync root: %w", err)
	}

	for _, n := range found {
		if n.IsFolder() {
			return n.ID, nil
		}
	}

	return "", nil
}

func (r *Reconciler) isRootFolder(ctx context.Context, id string) bool {
	n, err := r.store.Get(ctx, id)
	if err != nil {
		return false
	}

	return n.IsFolder() && folderpath.SameTitle(n.Title, r.paths.RootTitle())
}

func (r *Reconciler) pinRoot(id string) {
	r.paths.SetRootID(id)

	if r.status == nil {
		return
	}

	if err := r.status.SetRootFolderID(id); err != nil {
		r.logger.Warn("persisting sync root id", slog.String("error", err.Error()))
	}
}

// RootTree returns the sync root subtree, or nil when there is no sync
// root yet.
func (r *Reconciler) RootTree(ctx context.Context) (*store.Node, error) {
	rootID, err := r.findRoot(ctx)
	if err != nil || rootID == "" {
		return nil, err
	}

	return r.subtree(ctx, rootID)
}

// Bookmark is a bookmark below the sync root with its folder path.
type Bookmark struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Folder string `json:"folder"`
}

// Bookmarks lists the bookmarks below the sync root in store order.
// filter, when set, keeps those whose title, URL or folder contains it,
// ignoring case.
func (r *Reconciler) Bookmarks(ctx context.Context, filter string) ([]Bookmark, error) {
	root, err := r.RootTree(ctx)
	if err != nil || root == nil {
		return nil, err
	}

	filter = strings.ToLower(filter)

	var (
		out  []Bookmark
		walk func(n *store.Node, path string)
	)

	walk = func(n *store.Node, path string) {
		for _, c := range n.Children {
			if c.IsFolder() {
				sub := path
				if !folderpath.Blank(c.Title) {
					sub = path + folderpath.Separator + c.Title
				}

				walk(c, sub)

				continue
			}

			b := Bookmark{ID: c.ID, Title: c.Title, URL: c.URL, Folder: path}
			if filter == "" || matches(b, filter) {
				out = append(out, b)
			}
		}
	}

	walk(root, r.paths.RootTitle())

	return out, nil
}

func matches(b Bookmark, filter string) bool {
	return strings.Contains(strings.ToLower(b.Title), filter) ||
		strings.Contains(strings.ToLower(b.URL), filter) ||
		strings.Contains(strings.ToLower(b.Folder), filter)
}

func (r *Reconciler) subtree(ctx context.Context, rootID string) (*store.Node, error) {
	tree, err := r.store.GetTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading bookmark tree: %w", err)
	}

	var root *store.Node

	tree.Walk(func(n *store.Node) bool {
		if n.ID == rootID {
			root = n
			return false
		}

		return root == nil
	})

	if root == nil {
		return nil, fmt.Errorf("sync root %s: %w", rootID, apperrors.ErrNotFound)
	}

	return root, nil
}

func (r *Reconciler) indexByURL(ctx context.Context, rootID string) (map[string][]*store.Node, error) {
	root, err := r.subtree(ctx, rootID)
	if err != nil {
		return nil, err
	}

	index := make(map[string][]*store.Node)

	root.Walk(func(n *store.Node) bool {
		if !n.IsFolder() {
			index[n.URL] = append(index[n.URL], n)
		}

		return true
	})

	return index, nil
}

// findInRoot returns the bookmarks with url below the sync root, in
// store order.
func (r *Reconciler) findInRoot(ctx context.Context, url string, cache *folderpath.Cache) ([]*store.Node, error) {
	found, err := r.store.Search(ctx, store.Query{URL: url})
	if err != nil {
		return nil, fmt.Errorf("searching for %s: %w", url, err)
	}

	var out []*store.Node

	for _, n := range found {
		if n.IsFolder() {
			continue
		}

		in, err := r.paths.InScope(ctx, n.ParentID, cache)
		if err != nil {
			return nil, err
		}

		if in {
			out = append(out, n)
		}
	}

	return out, nil
}

func (r *Reconciler) saveStatus(stats Stats, syncErr error) {
	if r.status == nil {
		return
	}

	st := state.SyncStatus{
		FinishedAt: time.Now().UTC(),
		Duration:   stats.Duration.String(),
		Total:      stats.Total,
		Created:    stats.Created,
		Updated:    stats.Updated,
		Skipped:    stats.Skipped,
		Failed:     stats.Failed,
	}

	if syncErr != nil {
		st.Error = syncErr.Error()
	}

	if err := r.status.SetSyncStatus(st); err != nil {
		r.logger.Warn("persisting sync status", slog.String("error", err.Error()))
	}
}
